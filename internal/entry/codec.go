package entry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFieldBytes bounds any single length-prefixed field. It exists purely to
// reject corrupt or hostile framing early, before an allocation is attempted.
const MaxFieldBytes = 64 << 20 // 64 MiB

// --- little-endian primitive writers/readers -------------------------------
//
// The canonical encoding is fixed-width integers, length-prefixed byte
// strings, and single-byte discriminants in declared field order. A generic
// serialization library (protobuf, cbor, gob) would not guarantee this exact,
// pinned-forever byte layout, so the codec is hand-rolled over
// encoding/binary — the one place this package intentionally stays on the
// standard library (see DESIGN.md).

func writeU16(w *bytes.Buffer, v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.Write(b[:]) }
func writeU32(w *bytes.Buffer, v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.Write(b[:]) }
func writeU64(w *bytes.Buffer, v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.Write(b[:]) }
func writeByte(w *bytes.Buffer, v byte) { w.WriteByte(v) }

func writeBytes(w *bytes.Buffer, v []byte) {
	writeU32(w, uint32(len(v)))
	w.Write(v)
}

func writeString(w *bytes.Buffer, v string) { writeBytes(w, []byte(v)) }

func writeHash(w *bytes.Buffer, h Hash) { w.Write(h[:]) }

func writeHashList(w *bytes.Buffer, hs []Hash) {
	writeU32(w, uint32(len(hs)))
	for _, h := range hs {
		writeHash(w, h)
	}
}

func writeByteList(w *bytes.Buffer, segs [][]byte) {
	writeU32(w, uint32(len(segs)))
	for _, s := range segs {
		writeBytes(w, s)
	}
}

func writeStringList(w *bytes.Buffer, ss []string) {
	writeU32(w, uint32(len(ss)))
	for _, s := range ss {
		writeString(w, s)
	}
}

type reader struct {
	r *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r *reader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *reader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return b, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldBytes {
		return nil, ErrFieldTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return buf, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) hash() (Hash, error) {
	var h Hash
	if _, err := io.ReadFull(r.r, h[:]); err != nil {
		return h, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return h, nil
}

func (r *reader) hashList() ([]Hash, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldBytes/32 {
		return nil, ErrFieldTooLarge
	}
	out := make([]Hash, n)
	for i := range out {
		out[i], err = r.hash()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) byteList() ([][]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldBytes {
		return nil, ErrFieldTooLarge
	}
	out := make([][]byte, n)
	for i := range out {
		out[i], err = r.bytes()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) stringList() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldBytes {
		return nil, ErrFieldTooLarge
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.string()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- condition AST -----------------------------------------------------------

func writeCondition(w *bytes.Buffer, c Condition, depth int) error {
	if depth > MaxConditionDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", MaxConditionDepth)
	}
	writeByte(w, byte(c.Op))
	writeString(w, c.Value)
	writeU64(w, c.Threshold)
	writeU32(w, uint32(len(c.Children)))
	for _, child := range c.Children {
		if err := writeCondition(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func readCondition(r *reader, depth int) (Condition, error) {
	if depth > MaxConditionDepth {
		return Condition{}, fmt.Errorf("condition tree exceeds max depth %d", MaxConditionDepth)
	}
	op, err := r.byte()
	if err != nil {
		return Condition{}, err
	}
	value, err := r.string()
	if err != nil {
		return Condition{}, err
	}
	threshold, err := r.u64()
	if err != nil {
		return Condition{}, err
	}
	n, err := r.u32()
	if err != nil {
		return Condition{}, err
	}
	if n > MaxFieldBytes {
		return Condition{}, ErrFieldTooLarge
	}
	children := make([]Condition, n)
	for i := range children {
		children[i], err = readCondition(r, depth+1)
		if err != nil {
			return Condition{}, err
		}
	}
	return Condition{Op: ConditionOp(op), Value: value, Threshold: threshold, Children: children}, nil
}

func writeRuleDef(w *bytes.Buffer, rd RuleDef) error {
	writeU64(w, rd.ID)
	writeU32(w, rd.Priority)
	writeByte(w, byte(rd.Effect))
	if err := writeCondition(w, rd.Condition, 0); err != nil {
		return err
	}
	writeStringList(w, rd.Restrictions)
	return nil
}

func readRuleDef(r *reader) (RuleDef, error) {
	var rd RuleDef
	var err error
	if rd.ID, err = r.u64(); err != nil {
		return rd, err
	}
	if rd.Priority, err = r.u32(); err != nil {
		return rd, err
	}
	effect, err := r.byte()
	if err != nil {
		return rd, err
	}
	rd.Effect = Effect(effect)
	if rd.Condition, err = readCondition(r, 0); err != nil {
		return rd, err
	}
	if rd.Restrictions, err = r.stringList(); err != nil {
		return rd, err
	}
	return rd, nil
}

// --- body marshaling ---------------------------------------------------------

// MarshalBody implementations below produce the canonical encoding whose
// hash is payload_hash. Field order matches the struct declaration order,
// giving every record a single, unambiguous canonical byte layout.

func (g Genesis) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeU16(&w, g.SchemaVersion)
	writeBytes(&w, g.RootIdentityPK)
	return w.Bytes(), nil
}

func (ic IdentityCreate) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeHash(&w, ic.ID)
	writeHash(&w, ic.Parent)
	if ic.HasParent {
		writeByte(&w, 1)
	} else {
		writeByte(&w, 0)
	}
	writeByte(&w, byte(ic.Type))
	writeBytes(&w, ic.PublicKey)
	writeByteList(&w, ic.DerivationPath)
	writeString(&w, ic.ExternalRef)
	return w.Bytes(), nil
}

func (ir IdentityRevoke) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeHash(&w, ir.ID)
	writeString(&w, ir.Reason)
	return w.Bytes(), nil
}

func (pu PolicyUpdate) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeU32(&w, uint32(len(pu.AddedRules)))
	for _, rd := range pu.AddedRules {
		if err := writeRuleDef(&w, rd); err != nil {
			return nil, err
		}
	}
	writeU32(&w, uint32(len(pu.RemovedRuleIDs)))
	for _, id := range pu.RemovedRuleIDs {
		writeU64(&w, id)
	}
	return w.Bytes(), nil
}

func (cg CapabilityGrant) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeHash(&w, cg.CapID)
	writeHash(&w, cg.Holder)
	writeHash(&w, cg.Granter)
	writeString(&w, cg.ResourceMatcher)
	writeU64(&w, cg.Permissions)
	writeStringList(&w, cg.Restrictions)
	writeString(&w, cg.ExternalRef)
	return w.Bytes(), nil
}

func (cr CapabilityRevoke) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeHash(&w, cr.CapID)
	return w.Bytes(), nil
}

func (pd PolicyDecision) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeHash(&w, pd.ProposalHash)
	writeByte(&w, byte(pd.Effect))
	writeU64(&w, pd.RuleID)
	writeString(&w, pd.Reason)
	writeStringList(&w, pd.Restrictions)
	w.Write(pd.EngineSig[:])
	writeHash(&w, pd.Proposer)
	writeU64(&w, pd.Nonce)
	writeHash(&w, pd.SignBinding)
	return w.Bytes(), nil
}

func (a Action) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeU64(&w, a.AuthorizationRef)
	writeBytes(&w, a.ActionBody)
	return w.Bytes(), nil
}

func (ku KeyUsage) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeByte(&w, byte(ku.Op))
	writeByteList(&w, ku.KeyPath)
	writeHash(&w, ku.MessageHash)
	writeU64(&w, ku.AuthorizationRef)
	writeHash(&w, ku.SigHash)
	if ku.Denied {
		writeByte(&w, 1)
	} else {
		writeByte(&w, 0)
	}
	writeString(&w, ku.DenialReason)
	return w.Bytes(), nil
}

func (rc Receipt) MarshalBody() ([]byte, error) {
	var w bytes.Buffer
	writeU64(&w, rc.ActionRef)
	writeHashList(&w, rc.Inputs)
	writeHashList(&w, rc.Outputs)
	writeHash(&w, rc.EnvironmentHash)
	writeByte(&w, byte(rc.Status))
	writeString(&w, rc.FailureReason)
	return w.Bytes(), nil
}

// DecodeBody dispatches on tag to reproduce a typed Body from canonical bytes.
func DecodeBody(tag Tag, data []byte) (Body, error) {
	r := newReader(data)
	switch tag {
	case TagGenesis:
		ver, err := r.u16()
		if err != nil {
			return nil, err
		}
		pk, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return Genesis{SchemaVersion: ver, RootIdentityPK: pk}, nil

	case TagIdentityCreate:
		id, err := r.hash()
		if err != nil {
			return nil, err
		}
		parent, err := r.hash()
		if err != nil {
			return nil, err
		}
		hasParentB, err := r.byte()
		if err != nil {
			return nil, err
		}
		typ, err := r.byte()
		if err != nil {
			return nil, err
		}
		pk, err := r.bytes()
		if err != nil {
			return nil, err
		}
		path, err := r.byteList()
		if err != nil {
			return nil, err
		}
		ref, err := r.string()
		if err != nil {
			return nil, err
		}
		return IdentityCreate{
			ID: id, Parent: parent, HasParent: hasParentB != 0,
			Type: IdentityType(typ), PublicKey: pk, DerivationPath: path,
			ExternalRef: ref,
		}, nil

	case TagIdentityRevoke:
		id, err := r.hash()
		if err != nil {
			return nil, err
		}
		reason, err := r.string()
		if err != nil {
			return nil, err
		}
		return IdentityRevoke{ID: id, Reason: reason}, nil

	case TagPolicyUpdate:
		nAdded, err := r.u32()
		if err != nil {
			return nil, err
		}
		if nAdded > MaxFieldBytes {
			return nil, ErrFieldTooLarge
		}
		added := make([]RuleDef, nAdded)
		for i := range added {
			added[i], err = readRuleDef(r)
			if err != nil {
				return nil, err
			}
		}
		nRemoved, err := r.u32()
		if err != nil {
			return nil, err
		}
		if nRemoved > MaxFieldBytes {
			return nil, ErrFieldTooLarge
		}
		removed := make([]uint64, nRemoved)
		for i := range removed {
			removed[i], err = r.u64()
			if err != nil {
				return nil, err
			}
		}
		return PolicyUpdate{AddedRules: added, RemovedRuleIDs: removed}, nil

	case TagCapabilityGrant:
		capID, err := r.hash()
		if err != nil {
			return nil, err
		}
		holder, err := r.hash()
		if err != nil {
			return nil, err
		}
		granter, err := r.hash()
		if err != nil {
			return nil, err
		}
		matcher, err := r.string()
		if err != nil {
			return nil, err
		}
		perms, err := r.u64()
		if err != nil {
			return nil, err
		}
		restrictions, err := r.stringList()
		if err != nil {
			return nil, err
		}
		ref, err := r.string()
		if err != nil {
			return nil, err
		}
		return CapabilityGrant{
			CapID: capID, Holder: holder, Granter: granter,
			ResourceMatcher: matcher, Permissions: perms, Restrictions: restrictions,
			ExternalRef: ref,
		}, nil

	case TagCapabilityRevoke:
		capID, err := r.hash()
		if err != nil {
			return nil, err
		}
		return CapabilityRevoke{CapID: capID}, nil

	case TagPolicyDecision:
		proposalHash, err := r.hash()
		if err != nil {
			return nil, err
		}
		effect, err := r.byte()
		if err != nil {
			return nil, err
		}
		ruleID, err := r.u64()
		if err != nil {
			return nil, err
		}
		reason, err := r.string()
		if err != nil {
			return nil, err
		}
		restrictions, err := r.stringList()
		if err != nil {
			return nil, err
		}
		sigBytes, err := readFixed(r, 64)
		if err != nil {
			return nil, err
		}
		var sig Signature
		copy(sig[:], sigBytes)
		proposer, err := r.hash()
		if err != nil {
			return nil, err
		}
		nonce, err := r.u64()
		if err != nil {
			return nil, err
		}
		signBinding, err := r.hash()
		if err != nil {
			return nil, err
		}
		return PolicyDecision{
			ProposalHash: proposalHash, Effect: Effect(effect), RuleID: ruleID,
			Reason: reason, Restrictions: restrictions, EngineSig: sig,
			Proposer: proposer, Nonce: nonce, SignBinding: signBinding,
		}, nil

	case TagAction:
		authRef, err := r.u64()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return Action{AuthorizationRef: authRef, ActionBody: body}, nil

	case TagKeyUsage:
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		path, err := r.byteList()
		if err != nil {
			return nil, err
		}
		msgHash, err := r.hash()
		if err != nil {
			return nil, err
		}
		authRef, err := r.u64()
		if err != nil {
			return nil, err
		}
		sigHash, err := r.hash()
		if err != nil {
			return nil, err
		}
		deniedB, err := r.byte()
		if err != nil {
			return nil, err
		}
		reason, err := r.string()
		if err != nil {
			return nil, err
		}
		return KeyUsage{
			Op: KeyOp(op), KeyPath: path, MessageHash: msgHash,
			AuthorizationRef: authRef, SigHash: sigHash,
			Denied: deniedB != 0, DenialReason: reason,
		}, nil

	case TagReceipt:
		actionRef, err := r.u64()
		if err != nil {
			return nil, err
		}
		inputs, err := r.hashList()
		if err != nil {
			return nil, err
		}
		outputs, err := r.hashList()
		if err != nil {
			return nil, err
		}
		envHash, err := r.hash()
		if err != nil {
			return nil, err
		}
		status, err := r.byte()
		if err != nil {
			return nil, err
		}
		failureReason, err := r.string()
		if err != nil {
			return nil, err
		}
		return Receipt{
			ActionRef: actionRef, Inputs: inputs, Outputs: outputs,
			EnvironmentHash: envHash, Status: ReceiptStatus(status), FailureReason: failureReason,
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(tag))
	}
}

func readFixed(r *reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return buf, nil
}
