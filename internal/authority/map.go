package authority

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aonescu/tiops/internal/types"
)

// Mode is the trigger context a loop invocation runs under.
type Mode string

const (
	Deploy Mode = "deploy"
	Cron   Mode = "cron"
)

type ModeMetadata struct {
	Name        string
	Description string
	Trigger     string
}

// ModeAuthorityMap records which signal kinds each mode may act on.
type ModeAuthorityMap struct {
	mappings map[Mode][]types.SignalKind
	metadata map[Mode]ModeMetadata
}

var defaultMap = NewModeAuthorityMap()

func NewModeAuthorityMap() *ModeAuthorityMap {
	m := &ModeAuthorityMap{
		mappings: make(map[Mode][]types.SignalKind),
		metadata: make(map[Mode]ModeMetadata),
	}
	m.initializeAuthorities()
	return m
}

func (m *ModeAuthorityMap) initializeAuthorities() {
	// Deployments only ever scan for newly shipped vulnerabilities
	m.addAuthority(Deploy, types.Vulnerability)

	// Scheduled runs block indicators and verify techniques
	m.addAuthority(Cron, types.Indicator, types.Technique)

	m.metadata[Deploy] = ModeMetadata{
		Name:        string(Deploy),
		Description: "Scan cluster workloads for newly reported vulnerabilities",
		Trigger:     "deploy pipeline webhook",
	}
	m.metadata[Cron] = ModeMetadata{
		Name:        string(Cron),
		Description: "Block malicious indicators and verify defenses against attack techniques",
		Trigger:     "schedule",
	}
}

func (m *ModeAuthorityMap) addAuthority(mode Mode, kinds ...types.SignalKind) {
	m.mappings[mode] = append(m.mappings[mode], kinds...)
}

func (m *ModeAuthorityMap) Allows(mode Mode, kind types.SignalKind) bool {
	for _, k := range m.mappings[mode] {
		if k == kind {
			return true
		}
	}
	return false
}

func (m *ModeAuthorityMap) Kinds(mode Mode) []types.SignalKind {
	return append([]types.SignalKind(nil), m.mappings[mode]...)
}

func (m *ModeAuthorityMap) Modes() []Mode {
	modes := make([]Mode, 0, len(m.mappings))
	for mode := range m.mappings {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

func (m *ModeAuthorityMap) Metadata(mode Mode) (ModeMetadata, bool) {
	md, ok := m.metadata[mode]
	return md, ok
}

// Usage lists the known modes with their descriptions.
func (m *ModeAuthorityMap) Usage() string {
	var b strings.Builder
	b.WriteString("Available modes:\n")
	for _, mode := range m.Modes() {
		md := m.metadata[mode]
		fmt.Fprintf(&b, "  %-8s %s (signals: %s)\n", mode, md.Description, joinKinds(m.mappings[mode]))
	}
	return b.String()
}

func joinKinds(kinds []types.SignalKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

// ParseMode rejects anything outside the table; callers show usage.
func ParseMode(s string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultMap.mappings[mode]; !ok {
		return "", types.NewError(types.KindInvalid, "parse mode", fmt.Errorf("unknown mode %q", s))
	}
	return mode, nil
}

func Allows(mode Mode, kind types.SignalKind) bool { return defaultMap.Allows(mode, kind) }

func Kinds(mode Mode) []types.SignalKind { return defaultMap.Kinds(mode) }

func Modes() []Mode { return defaultMap.Modes() }

func Usage() string { return defaultMap.Usage() }
