package ruleset

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func sampleProfile() Profile {
	rules := []Rule{
		sshRule(),
		{Policy: PolicyDeny, Logging: LoggingOff, Protocol: ProtocolUDP, DestPort: "137:139", Hash: "aa"},
	}
	return NewProfile(true, LogLevelMedium, PolicyDeny, PolicyAllow, rules, []string{"nf_nat_ftp", "nf_conntrack_ftp"})
}

func TestProfileRoundTrip(t *testing.T) {
	p := sampleProfile().WithStatus(true)

	got, err := ParseProfile([]byte(p.XML()))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if !got.HasStatus || !got.HasDefaults || !got.HasModules || !got.HasRules {
		t.Fatalf("presence flags lost: %+v", got)
	}
	if !got.Enabled {
		t.Error("Enabled = false, want true")
	}
	if !got.Equal(p) {
		t.Errorf("profile changed across round trip:\n%s\n%s", p.XML(), got.XML())
	}
	if got.SystemOwned {
		t.Error("parsed profile must not claim system ownership")
	}
}

func TestProfileRulesOnly(t *testing.T) {
	p := Profile{}.WithRules([]Rule{sshRule()})

	text := p.XML()
	for _, section := range []string{"<status", "<defaults", "<modules"} {
		if strings.Contains(text, section) {
			t.Errorf("rules-only profile serialized %s section:\n%s", section, text)
		}
	}

	got, err := ParseProfile([]byte(text))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if !got.HasRules {
		t.Error("HasRules = false, want true")
	}
	if got.HasStatus || got.HasDefaults || got.HasModules {
		t.Errorf("unexpected presence flags: status=%v defaults=%v modules=%v", got.HasStatus, got.HasDefaults, got.HasModules)
	}
	if got.RuleCount() != 1 {
		t.Errorf("RuleCount = %d, want 1", got.RuleCount())
	}
}

func TestParseProfileEmptySections(t *testing.T) {
	got, err := ParseProfile([]byte(`<firewall><defaults loglevel="high"/></firewall>`))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if !got.HasDefaults || got.HasRules {
		t.Fatalf("flags: defaults=%v rules=%v", got.HasDefaults, got.HasRules)
	}
	if got.LogLevel != LogLevelHigh {
		t.Errorf("LogLevel = %q, want high", got.LogLevel)
	}
	if got.DefaultIncoming != DefaultIncoming || got.DefaultOutgoing != DefaultOutgoing || got.IPv6Enabled != DefaultIPv6 {
		t.Errorf("missing attributes did not fall back to defaults: %+v", got)
	}
}

func TestParseProfileErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", "not a profile"},
		{"wrong root", `<profile/>`},
		{"count mismatch", `<firewall><rules count="2"><rule action="allow" direction="in" dport="22"/></rules></firewall>`},
		{"bad rule", `<firewall><rules count="1"><rule action="bogus" direction="in"/></rules></firewall>`},
		{"limit default", `<firewall><defaults incoming="limit"/></firewall>`},
		{"duplicate hash", `<firewall><rules count="2"><rule action="allow" direction="in" dport="22" hash="x"/><rule action="allow" direction="in" dport="23" hash="x"/></rules></firewall>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfile([]byte(tt.data))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
		})
	}
}

func TestProfileEqual(t *testing.T) {
	a := sampleProfile()

	b := sampleProfile().WithStatus(false)
	b.SystemOwned = true
	if !a.Equal(b) {
		t.Error("status and ownership must not affect equality")
	}

	reordered := a.Rules()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	if a.Equal(a.WithRules(reordered)) {
		t.Error("rule order must affect equality")
	}

	if a.Equal(a.WithModules([]string{"nf_conntrack_ftp"})) {
		t.Error("module set must affect equality")
	}

	level := LogLevelFull
	if a.Equal(a.WithDefaults(Defaults{LogLevel: &level})) {
		t.Error("log level must affect equality")
	}

	rehashed := a.Rules()
	rehashed[0].Hash = "new"
	rehashed[0].Position = 7
	if !a.Equal(a.WithRules(rehashed)) {
		t.Error("hash and position must not affect equality")
	}
}

func TestProfileIsImmutable(t *testing.T) {
	p := sampleProfile()
	rules := p.Rules()
	rules[0].DestPort = "80"
	mods := p.Modules()
	mods[0] = "changed"

	if p.Rules()[0].DestPort != "22" {
		t.Error("mutating Rules() result changed the profile")
	}
	if p.Modules()[0] == "changed" {
		t.Error("mutating Modules() result changed the profile")
	}
}

func TestModulesFragment(t *testing.T) {
	p := sampleProfile()
	got, err := ParseModules(p.ModulesXML())
	if err != nil {
		t.Fatalf("ParseModules: %v", err)
	}
	want := []string{"nf_conntrack_ftp", "nf_nat_ftp"}
	if !slices.Equal(got, want) {
		t.Errorf("modules = %v, want %v", got, want)
	}
	if strings.Contains(p.ModulesXML(), "<rule") {
		t.Error("modules fragment must only carry modules")
	}
}

func TestDefaultsFragment(t *testing.T) {
	off := false
	d := Defaults{IPv6: &off}
	text := d.XML()
	if text != `<defaults ipv6="no"></defaults>` {
		t.Errorf("XML = %s", text)
	}
	got, err := ParseDefaults(text)
	if err != nil {
		t.Fatalf("ParseDefaults: %v", err)
	}
	if got.IPv6 == nil || *got.IPv6 || got.LogLevel != nil || got.Incoming != nil || got.Outgoing != nil {
		t.Errorf("ParseDefaults = %+v", got)
	}

	if _, err := ParseDefaults(`<defaults/>`); err == nil {
		t.Error("empty defaults fragment accepted")
	}
	if _, err := ParseDefaults(`<defaults outgoing="limit"/>`); err == nil {
		t.Error("limit accepted as default policy")
	}
}

func TestHasIPv6Rules(t *testing.T) {
	p := sampleProfile()
	if p.HasIPv6Rules() {
		t.Error("sample profile has no IPv6 rules")
	}
	p = p.WithRules(append(p.Rules(), Rule{Policy: PolicyAllow, Logging: LoggingOff, Protocol: ProtocolBoth, SourceAddress: "::/0"}))
	if !p.HasIPv6Rules() {
		t.Error("IPv6 rule not detected")
	}
}
