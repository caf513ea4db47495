package wire

import "bytes"

type Connect struct{}

func (Connect) Encode() []byte { return []byte{byte(MT_CONNECT), 0} }

func DecodeConnect(b []byte) (Connect, error) {
	_, r, err := body(b, MT_CONNECT, 0)
	if err != nil {
		return Connect{}, err
	}
	return Connect{}, exact(r, MT_CONNECT)
}

type ReturnConnect struct {
	AddrHash []byte
}

func (p ReturnConnect) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_RETURN_CONNECT, 0)
	putH(&b, p.AddrHash)
	return b.Bytes()
}

func DecodeReturnConnect(b []byte) (ReturnConnect, error) {
	_, r, err := body(b, MT_RETURN_CONNECT, H)
	if err != nil {
		return ReturnConnect{}, err
	}
	h, _ := GetBytes(r, H)
	return ReturnConnect{AddrHash: h}, exact(r, MT_RETURN_CONNECT)
}

type Syn struct {
	Challenge uint32
	AddrHash  []byte
	Sign      []byte
	Ack       []byte
}

func (p Syn) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_SYN, 0)
	PutU32(&b, p.Challenge)
	putH(&b, p.AddrHash)
	putH(&b, p.Sign)
	putH(&b, p.Ack)
	return b.Bytes()
}

func DecodeSyn(b []byte) (Syn, error) {
	_, r, err := body(b, MT_SYN, 4+3*H)
	if err != nil {
		return Syn{}, err
	}
	var p Syn
	p.Challenge, _ = GetU32(r)
	p.AddrHash, _ = GetBytes(r, H)
	p.Sign, _ = GetBytes(r, H)
	p.Ack, _ = GetBytes(r, H)
	return p, exact(r, MT_SYN)
}

type Ack struct {
	Signature []byte
	Sign      []byte
	Ack       []byte
}

func (p Ack) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_ACK, 0)
	var sig [SIG]byte
	copy(sig[:], p.Signature)
	b.Write(sig[:])
	putH(&b, p.Sign)
	putH(&b, p.Ack)
	return b.Bytes()
}

func DecodeAck(b []byte) (Ack, error) {
	_, r, err := body(b, MT_ACK, SIG+2*H)
	if err != nil {
		return Ack{}, err
	}
	var p Ack
	p.Signature, _ = GetBytes(r, SIG)
	p.Sign, _ = GetBytes(r, H)
	p.Ack, _ = GetBytes(r, H)
	return p, exact(r, MT_ACK)
}

type AckAck struct {
	Ack []byte
}

func (p AckAck) Encode() []byte {
	var b bytes.Buffer
	putHeader(&b, MT_ACKACK, 0)
	putH(&b, p.Ack)
	return b.Bytes()
}

func DecodeAckAck(b []byte) (AckAck, error) {
	_, r, err := body(b, MT_ACKACK, H)
	if err != nil {
		return AckAck{}, err
	}
	a, _ := GetBytes(r, H)
	return AckAck{Ack: a}, exact(r, MT_ACKACK)
}
