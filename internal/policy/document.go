package policy

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"

	"github.com/aonescu/tiops/internal/types"
)

const (
	// DefaultPath is where the egress deny-list lives inside the policy repository.
	DefaultPath = "manifests/security/deny-list.yaml"

	allTraffic = "0.0.0.0/0"
)

// Document is a NetworkPolicy-shaped deny-list. The blocked CIDRs are kept in
// spec.egress[0].to[0].ipBlock.except; everything else in the file is carried
// through untouched.
type Document struct {
	Path     string
	Revision string
	content  map[string]interface{}
}

// ParseDocument decodes and validates a policy file. Missing structure is
// accepted; structure of the wrong shape is a schema error.
func ParseDocument(path string, data []byte) (*Document, error) {
	content := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) > 0 {
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, types.NewError(types.KindSchema, "parse policy "+path, err)
		}
		switch v := raw.(type) {
		case nil:
		case map[string]interface{}:
			content = v
		default:
			return nil, types.NewError(types.KindSchema, "parse policy "+path,
				fmt.Errorf("top level must be a mapping, got %T", raw))
		}
	}

	if err := validate(content); err != nil {
		return nil, types.NewError(types.KindSchema, "validate policy "+path, err)
	}
	if err := validateDenyPath(content); err != nil {
		return nil, types.NewError(types.KindSchema, "validate policy "+path, err)
	}
	return &Document{Path: path, content: content}, nil
}

func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d.content)
}

// Exceptions returns the blocked CIDRs in file order.
func (d *Document) Exceptions() []string {
	list := lookupExcept(d.content)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Contains reports whether cidr is already blocked.
func (d *Document) Contains(cidr string) bool {
	want, err := NormalizeIndicator(cidr)
	if err != nil {
		return false
	}
	for _, existing := range d.Exceptions() {
		if got, err := NormalizeIndicator(existing); err == nil && got == want {
			return true
		}
	}
	return false
}

func (d *Document) clone() *Document {
	return &Document{
		Path:     d.Path,
		Revision: d.Revision,
		content:  runtime.DeepCopyJSON(d.content),
	}
}

// AddDenyEntry returns a document with cidr blocked. It never mutates doc;
// when cidr is already present it returns doc itself and changed=false.
func AddDenyEntry(doc *Document, cidr string) (*Document, bool, error) {
	normalized, err := NormalizeIndicator(cidr)
	if err != nil {
		return doc, false, err
	}
	if doc.Contains(normalized) {
		return doc, false, nil
	}

	next := doc.clone()
	ipBlock, list, err := ensureExcept(next.content)
	if err != nil {
		return doc, false, types.NewError(types.KindSchema, "add deny entry", err)
	}
	ipBlock["except"] = append(list, normalized)
	return next, true, nil
}

// NormalizeIndicator turns an IP or CIDR into canonical CIDR form:
// 1.2.3.4 becomes 1.2.3.4/32, an IPv6 address gets /128.
func NormalizeIndicator(indicator string) (string, error) {
	s := strings.TrimSpace(indicator)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return "", types.NewError(types.KindInvalid, "normalize indicator", err)
		}
		return prefix.Masked().String(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", types.NewError(types.KindInvalid, "normalize indicator", err)
	}
	if addr.Zone() != "" {
		return "", types.NewError(types.KindInvalid, "normalize indicator",
			fmt.Errorf("zoned address %q cannot be blocked", s))
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()).String(), nil
}

func lookupExcept(content map[string]interface{}) []interface{} {
	spec, _ := content["spec"].(map[string]interface{})
	egress, _ := spec["egress"].([]interface{})
	if len(egress) == 0 {
		return nil
	}
	rule, _ := egress[0].(map[string]interface{})
	to, _ := rule["to"].([]interface{})
	if len(to) == 0 {
		return nil
	}
	peer, _ := to[0].(map[string]interface{})
	ipBlock, _ := peer["ipBlock"].(map[string]interface{})
	list, _ := ipBlock["except"].([]interface{})
	return list
}

// ensureExcept walks to the except list, creating whatever is missing.
func ensureExcept(content map[string]interface{}) (map[string]interface{}, []interface{}, error) {
	spec, created, err := childMap(content, "spec")
	if err != nil {
		return nil, nil, err
	}
	if created {
		spec["podSelector"] = map[string]interface{}{}
		spec["policyTypes"] = []interface{}{"Egress"}
	}

	rule, err := firstItem(spec, "egress")
	if err != nil {
		return nil, nil, err
	}
	if to, ok := rule["to"].([]interface{}); ok && len(to) == 0 {
		return nil, nil, fmt.Errorf("egress[0].to is empty and allows all destinations")
	}
	peer, err := firstItem(rule, "to")
	if err != nil {
		return nil, nil, err
	}
	ipBlock, created, err := childMap(peer, "ipBlock")
	if err != nil {
		return nil, nil, err
	}
	if created {
		ipBlock["cidr"] = allTraffic
	}

	switch v := ipBlock["except"].(type) {
	case nil:
		return ipBlock, []interface{}{}, nil
	case []interface{}:
		return ipBlock, v, nil
	default:
		return nil, nil, fmt.Errorf("ipBlock.except must be a list, got %T", v)
	}
}

func childMap(parent map[string]interface{}, key string) (map[string]interface{}, bool, error) {
	switch v := parent[key].(type) {
	case nil:
		m := map[string]interface{}{}
		parent[key] = m
		return m, true, nil
	case map[string]interface{}:
		return v, false, nil
	default:
		return nil, false, fmt.Errorf("%s must be a mapping, got %T", key, v)
	}
}

func firstItem(parent map[string]interface{}, key string) (map[string]interface{}, error) {
	switch v := parent[key].(type) {
	case nil:
		m := map[string]interface{}{}
		parent[key] = []interface{}{m}
		return m, nil
	case []interface{}:
		if len(v) == 0 {
			m := map[string]interface{}{}
			parent[key] = append(v, m)
			return m, nil
		}
		m, ok := v[0].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[0] must be a mapping, got %T", key, v[0])
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%s must be a list, got %T", key, v)
	}
}
