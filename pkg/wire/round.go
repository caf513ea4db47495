package wire

import "bytes"

// S1 announces a round. Rest holds the mode specific presignature bytes;
// use HMACs or Merkle to parse them.
type S1 struct {
	Assoc  uint8
	Anchor []byte
	Count  uint16
	Rest   []byte
}

// MerkleS1 is the presignature of a Merkle batch.
type MerkleS1 struct {
	SecMode uint8
	Root    []byte
	Nodes   [][]byte
}

func EncodeS1HMAC(assoc uint8, anchor []byte, sigs [][]byte) []byte {
	var b bytes.Buffer
	putHeader(&b, MT_S1, assoc)
	putH(&b, anchor)
	PutU16(&b, uint16(len(sigs)))
	for _, s := range sigs {
		putH(&b, s)
	}
	return b.Bytes()
}

func EncodeS1Merkle(assoc uint8, anchor []byte, count uint16, m MerkleS1) []byte {
	var b bytes.Buffer
	putHeader(&b, MT_S1, assoc)
	putH(&b, anchor)
	PutU16(&b, count)
	b.WriteByte(m.SecMode)
	putH(&b, m.Root)
	for _, n := range m.Nodes {
		putH(&b, n)
	}
	return b.Bytes()
}

func DecodeS1(b []byte) (S1, error) {
	assoc, r, err := body(b, MT_S1, H+2)
	if err != nil {
		return S1{}, err
	}
	p := S1{Assoc: assoc}
	p.Anchor, _ = GetBytes(r, H)
	p.Count, _ = GetU16(r)
	p.Rest, _ = GetBytes(r, r.Len())
	return p, nil
}

// HMACs parses Count presignatures.
func (p S1) HMACs() ([][]byte, error) {
	if p.Count == 0 || int(p.Count) > MaxPresigCount {
		return nil, malformed("presignature count %d", p.Count)
	}
	r := bytes.NewReader(p.Rest)
	sigs, err := readNodes(r, int(p.Count))
	if err != nil {
		return nil, err
	}
	return sigs, exact(r, MT_S1)
}

// Merkle parses a Merkle presignature; every remaining digest is a top
// node.
func (p S1) Merkle() (MerkleS1, error) {
	if len(p.Rest) < 1+H || (len(p.Rest)-1)%H != 0 {
		return MerkleS1{}, malformed("merkle S1 body of %d bytes", len(p.Rest))
	}
	r := bytes.NewReader(p.Rest)
	var m MerkleS1
	m.SecMode, _ = r.ReadByte()
	m.Root, _ = GetBytes(r, H)
	m.Nodes, _ = readNodes(r, r.Len()/H)
	return m, nil
}

type A1 struct {
	Assoc        uint8
	Anchor       []byte
	ReturnAnchor []byte
}

func (p A1) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_A1, p.Assoc)
	putH(&b, p.Anchor)
	putH(&b, p.ReturnAnchor)
	return b.Bytes()
}

func DecodeA1(b []byte) (A1, error) {
	assoc, r, err := body(b, MT_A1, 2*H)
	if err != nil {
		return A1{}, err
	}
	p := A1{Assoc: assoc}
	p.Anchor, _ = GetBytes(r, H)
	p.ReturnAnchor, _ = GetBytes(r, H)
	return p, exact(r, MT_A1)
}

// S2 releases the round key with a payload. For Merkle batches Rest holds
// the leaf index and carried nodes before the payload.
type S2 struct {
	Assoc  uint8
	Anchor []byte
	Rest   []byte
}

type MerkleS2 struct {
	Index   uint16
	Nodes   [][]byte
	Payload []byte
}

func EncodeS2(assoc uint8, anchor, payload []byte) []byte {
	var b bytes.Buffer
	putHeader(&b, MT_S2, assoc)
	putH(&b, anchor)
	b.Write(payload)
	return b.Bytes()
}

func EncodeS2Merkle(assoc uint8, anchor []byte, m MerkleS2) []byte {
	var b bytes.Buffer
	putHeader(&b, MT_S2, assoc)
	putH(&b, anchor)
	PutU16(&b, m.Index)
	b.WriteByte(uint8(len(m.Nodes)))
	for _, n := range m.Nodes {
		putH(&b, n)
	}
	b.Write(m.Payload)
	return b.Bytes()
}

func DecodeS2(b []byte) (S2, error) {
	assoc, r, err := body(b, MT_S2, H)
	if err != nil {
		return S2{}, err
	}
	p := S2{Assoc: assoc}
	p.Anchor, _ = GetBytes(r, H)
	p.Rest, _ = GetBytes(r, r.Len())
	return p, nil
}

// Payload returns the HMAC mode payload.
func (p S2) Payload() []byte { return p.Rest }

func (p S2) Merkle() (MerkleS2, error) {
	r := bytes.NewReader(p.Rest)
	var m MerkleS2
	idx, err := GetU16(r)
	if err != nil {
		return MerkleS2{}, malformed("merkle S2 without index")
	}
	m.Index = idx
	cnt, err := r.ReadByte()
	if err != nil {
		return MerkleS2{}, malformed("merkle S2 without node count")
	}
	if m.Nodes, err = readNodes(r, int(cnt)); err != nil {
		return MerkleS2{}, err
	}
	m.Payload, _ = GetBytes(r, r.Len())
	return m, nil
}

// Z carries an unauthenticated payload.
type Z struct {
	Assoc   uint8
	Payload []byte
}

func (p Z) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_Z, p.Assoc)
	b.Write(p.Payload)
	return b.Bytes()
}

func DecodeZ(b []byte) (Z, error) {
	assoc, r, err := body(b, MT_Z, 0)
	if err != nil {
		return Z{}, err
	}
	pl, _ := GetBytes(r, r.Len())
	return Z{Assoc: assoc, Payload: pl}, nil
}
