package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema only constrains the path the deny-list lives on. Null is
// treated like a missing node and gets synthesized on write.
const documentSchema = `{
  "type": "object",
  "properties": {
    "spec": {
      "type": ["object", "null"],
      "properties": {
        "egress": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "properties": {
              "to": {
                "type": ["array", "null"],
                "items": {
                  "type": "object",
                  "properties": {
                    "ipBlock": {
                      "type": ["object", "null"],
                      "properties": {
                        "cidr": {"type": "string", "format": "cidr"},
                        "except": {
                          "type": ["array", "null"],
                          "uniqueItems": true,
                          "items": {"type": "string", "format": "cidr"}
                        }
                      }
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

type cidrFormat struct{}

func (cidrFormat) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	if !ok {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		gojsonschema.FormatCheckers.Add("cidr", cidrFormat{})
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return schema, schemaErr
}

func validate(content map[string]interface{}) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile policy schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(content))
	if err != nil {
		return fmt.Errorf("failed to validate policy: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// validateDenyPath checks what the schema cannot express: an existing first
// egress rule must name its peers, and no two except entries may cover the
// same prefix once masked.
func validateDenyPath(content map[string]interface{}) error {
	spec, _ := content["spec"].(map[string]interface{})
	egress, _ := spec["egress"].([]interface{})
	if len(egress) > 0 {
		rule, _ := egress[0].(map[string]interface{})
		if to, ok := rule["to"].([]interface{}); ok && len(to) == 0 {
			return fmt.Errorf("egress[0].to is empty and allows all destinations")
		}
	}

	seen := make(map[string]string)
	for _, v := range lookupExcept(content) {
		s, ok := v.(string)
		if !ok {
			continue
		}
		normalized, err := NormalizeIndicator(s)
		if err != nil {
			return fmt.Errorf("except entry %q: %w", s, err)
		}
		if first, dup := seen[normalized]; dup {
			return fmt.Errorf("except entry %q duplicates %q", s, first)
		}
		seen[normalized] = s
	}
	return nil
}
