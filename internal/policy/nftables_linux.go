//go:build linux

package policy

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// Rate applied to limit rules: new connections above it from any source are
// dropped.
const (
	limitRate  = 6
	limitBurst = 6
)

const logPrefix = "[fwpanel] "

// NftablesController implements FirewallController using the Linux nftables
// subsystem via the google/nftables netlink library. It owns one inet table
// with an input and an output base chain.
type NftablesController struct {
	logger *slog.Logger
}

// NewNftablesController returns a new NftablesController.
func NewNftablesController(logger *slog.Logger) *NftablesController {
	return &NftablesController{logger: logger}
}

// NewFirewallController returns the kernel backend for this platform.
func NewFirewallController(logger *slog.Logger) FirewallController {
	return NewNftablesController(logger)
}

// Replace deletes the table if it exists and recreates it from t in a
// single netlink batch, so the kernel never sees a half-built ruleset.
func (c *NftablesController) Replace(t Table) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("policy: nftables: replace: %w", err)
	}

	existing, err := c.findTable(conn, t.Name)
	if err != nil {
		return fmt.Errorf("policy: nftables: replace: %w", err)
	}
	if existing != nil {
		conn.DelTable(existing)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   t.Name,
	})
	input := addBaseChain(conn, table, "input", nftables.ChainHookInput, t.InputPolicy)
	output := addBaseChain(conn, table, "output", nftables.ChainHookOutput, t.OutputPolicy)

	for _, chain := range []*nftables.Chain{input, output} {
		for _, exprs := range preludeExprs(chain == input) {
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
		}
	}

	for i, rule := range t.Rules {
		chain := output
		if rule.Direction == DirectionInput {
			chain = input
		}
		batch, err := buildRuleExprs(rule)
		if err != nil {
			return fmt.Errorf("policy: nftables: replace: rule %d: %w", i+1, err)
		}
		for _, exprs := range batch {
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
		}
	}

	for _, tail := range []struct {
		chain   *nftables.Chain
		verdict Verdict
	}{{input, t.InputPolicy}, {output, t.OutputPolicy}} {
		for _, exprs := range policyTailExprs(tail.verdict, t.LogPolicy) {
			conn.AddRule(&nftables.Rule{Table: table, Chain: tail.chain, Exprs: exprs})
		}
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("policy: nftables: replace table %q: %w", t.Name, err)
	}

	c.logger.Debug("nftables table replaced",
		"component", "policy",
		"table", t.Name,
		"count", len(t.Rules),
	)
	return nil
}

// Delete deletes the named table. It is idempotent: deleting a non-existent
// table returns nil.
func (c *NftablesController) Delete(name string) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("policy: nftables: delete table: %w", err)
	}

	existing, err := c.findTable(conn, name)
	if err != nil {
		return fmt.Errorf("policy: nftables: delete table: %w", err)
	}
	if existing == nil {
		c.logger.Debug("nftables table not found, nothing to delete",
			"component", "policy",
			"table", name,
		)
		return nil
	}

	conn.DelTable(existing)
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("policy: nftables: delete table %q: %w", name, err)
	}
	c.logger.Debug("nftables table deleted",
		"component", "policy",
		"table", name,
	)
	return nil
}

func (c *NftablesController) findTable(conn *nftables.Conn, name string) (*nftables.Table, error) {
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

func addBaseChain(conn *nftables.Conn, table *nftables.Table, name string, hook *nftables.ChainHook, v Verdict) *nftables.Chain {
	policy := nftables.ChainPolicyDrop
	if v == VerdictAccept {
		policy = nftables.ChainPolicyAccept
	}
	return conn.AddChain(&nftables.Chain{
		Name:     name,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
}

// preludeExprs returns the rules every chain starts with: established and
// related traffic and loopback traffic are accepted before user rules.
func preludeExprs(input bool) [][]expr.Any {
	loKey := expr.MetaKeyOIFNAME
	if input {
		loKey = expr.MetaKeyIIFNAME
	}
	return [][]expr.Any{
		append(ctStateExprs(expr.CtStateBitESTABLISHED|expr.CtStateBitRELATED),
			&expr.Verdict{Kind: expr.VerdictAccept}),
		{
			&expr.Meta{Key: loKey, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifaceNameBytes("lo")},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	}
}

// policyTailExprs returns the rules appended after user rules. The chain
// policy drops; a reject default needs an explicit final reject.
func policyTailExprs(v Verdict, log bool) [][]expr.Any {
	if v == VerdictAccept {
		return nil
	}
	var tail []expr.Any
	if log {
		tail = append(tail, logExpr("BLOCK"))
	}
	tail = append(tail, &expr.Counter{})
	if v == VerdictReject {
		tail = append(tail, rejectExpr())
	} else {
		tail = append(tail, &expr.Verdict{Kind: expr.VerdictDrop})
	}
	return [][]expr.Any{tail}
}

// buildRuleExprs converts a FilterRule into the nftables rules that
// implement it: an optional logging rule for new connections, an optional
// rate limiting rule, and the rule carrying the verdict.
func buildRuleExprs(rule FilterRule) ([][]expr.Any, error) {
	match, err := matchExprs(rule)
	if err != nil {
		return nil, err
	}

	var out [][]expr.Any
	if rule.Log == LogNew {
		out = append(out, slices.Concat(match,
			ctStateExprs(expr.CtStateBitNEW),
			[]expr.Any{logExpr(rule.Verdict.String())},
		))
	}
	if rule.RateLimit {
		limited := slices.Concat(match,
			ctStateExprs(expr.CtStateBitNEW),
			[]expr.Any{&expr.Limit{
				Type:  expr.LimitTypePkts,
				Rate:  limitRate,
				Unit:  expr.LimitTimeMinute,
				Burst: limitBurst,
				Over:  true,
			}},
		)
		if rule.Log == LogAll {
			limited = append(limited, logExpr("LIMIT"))
		}
		limited = append(limited, &expr.Counter{}, &expr.Verdict{Kind: expr.VerdictDrop})
		out = append(out, limited)
	}

	verdict := slices.Clone(match)
	if rule.Log == LogAll {
		verdict = append(verdict, logExpr(rule.Verdict.String()))
	}
	verdict = append(verdict, &expr.Counter{})
	switch rule.Verdict {
	case VerdictAccept:
		verdict = append(verdict, &expr.Verdict{Kind: expr.VerdictAccept})
	case VerdictDrop:
		verdict = append(verdict, &expr.Verdict{Kind: expr.VerdictDrop})
	case VerdictReject:
		verdict = append(verdict, rejectExpr())
	default:
		return nil, fmt.Errorf("unsupported verdict %v", rule.Verdict)
	}
	return append(out, verdict), nil
}

// matchExprs returns the match expressions shared by every nftables rule
// generated for rule.
func matchExprs(rule FilterRule) ([]expr.Any, error) {
	var exprs []expr.Any

	if rule.Interface != "" {
		key := expr.MetaKeyOIFNAME
		if rule.Direction == DirectionInput {
			key = expr.MetaKeyIIFNAME
		}
		exprs = append(exprs,
			&expr.Meta{Key: key, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifaceNameBytes(rule.Interface)},
		)
	}

	// An inet table sees both families; address offsets depend on the family.
	switch {
	case rule.IPv4():
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
		)
	case rule.IPv6():
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
		)
	}
	if rule.Source.IsValid() {
		exprs = append(exprs, buildIPMatchExprs(rule.Source, true)...)
	}
	if rule.Destination.IsValid() {
		exprs = append(exprs, buildIPMatchExprs(rule.Destination, false)...)
	}

	if rule.Protocol != L4Any {
		proto, err := protocolNumber(rule.Protocol)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	} else if !rule.SourcePort.Any() || !rule.DestPort.Any() {
		return nil, fmt.Errorf("port match requires a protocol")
	}

	if !rule.SourcePort.Any() {
		exprs = append(exprs, buildPortMatchExprs(rule.SourcePort, 0)...)
	}
	if !rule.DestPort.Any() {
		exprs = append(exprs, buildPortMatchExprs(rule.DestPort, 2)...)
	}
	return exprs, nil
}

// buildIPMatchExprs creates payload + cmp expressions to match an address or
// network. A full-length prefix is an exact match; shorter prefixes use a
// bitwise mask followed by a compare.
func buildIPMatchExprs(prefix netip.Prefix, source bool) []expr.Any {
	addr := prefix.Addr()
	var offset, length uint32
	switch {
	case addr.Is4() && source:
		offset, length = 12, 4
	case addr.Is4():
		offset, length = 16, 4
	case source:
		offset, length = 8, 16
	default:
		offset, length = 24, 16
	}

	payload := &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseNetworkHeader,
		Offset:       offset,
		Len:          length,
	}
	if prefix.Bits() == addr.BitLen() {
		return []expr.Any{
			payload,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()},
		}
	}

	return []expr.Any{
		payload,
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           []byte(net.CIDRMask(prefix.Bits(), addr.BitLen())),
			Xor:            make([]byte, length),
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: prefix.Masked().Addr().AsSlice()},
	}
}

// buildPortMatchExprs matches a transport port. offset is 0 for the source
// and 2 for the destination port.
func buildPortMatchExprs(r PortRange, offset uint32) []expr.Any {
	payload := &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseTransportHeader,
		Offset:       offset,
		Len:          2,
	}
	if r.First == r.Last {
		return []expr.Any{
			payload,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes(r.First)},
		}
	}
	return []expr.Any{
		payload,
		&expr.Range{
			Op:       expr.CmpOpEq,
			Register: 1,
			FromData: portBytes(r.First),
			ToData:   portBytes(r.Last),
		},
	}
}

func ctStateExprs(bits uint32) []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(bits),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

func logExpr(tag string) *expr.Log {
	return &expr.Log{
		Key:  1 << unix.NFTA_LOG_PREFIX,
		Data: []byte(logPrefix + tag + " "),
	}
}

func rejectExpr() *expr.Reject {
	return &expr.Reject{
		Type: unix.NFT_REJECT_ICMPX_UNREACH,
		Code: unix.NFT_REJECT_ICMPX_PORT_UNREACH,
	}
}

// protocolNumber maps a transport protocol to its IP protocol number.
func protocolNumber(proto L4) (byte, error) {
	switch proto {
	case L4TCP:
		return unix.IPPROTO_TCP, nil
	case L4UDP:
		return unix.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %d", proto)
	}
}

// portBytes encodes a port number as 2 big-endian bytes for nftables matching.
func portBytes(port uint16) []byte {
	return binaryutil.BigEndian.PutUint16(port)
}

// ifaceNameBytes returns the interface name as a null-terminated byte slice
// for nftables expression matching. The name is padded to 16 bytes (IFNAMSIZ).
func ifaceNameBytes(name string) []byte {
	buf := make([]byte, 16)
	copy(buf, name)
	return buf[:min(len(name)+1, 16)]
}
