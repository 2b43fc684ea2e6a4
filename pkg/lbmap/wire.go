package lbmap

import (
	"encoding/binary"
	"fmt"
)

// Sizes of the binary layouts shared with the kernel-side connect hook.
const (
	ServiceKeySize    = 8
	ServiceValueSize  = 12
	BackendKeySize    = 4
	BackendValueSize  = 8
	DefaultMaxEntries = 65536
)

// Binary layout, host-endian except for ports which are kept in network order:
//
//	key:     address[4] port_be[2] slot[2]
//	service: selector[4] count[2] rev_nat[2] flags[1] flags2[1] pad[2]
//	backend: address[4] port_be[2] proto[1] flags[1]

// MarshalBinary encodes the key as the kernel lb4 key.
func (k ServiceKey) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ServiceKeySize)
	copy(buf[0:4], k.Address[:])
	binary.BigEndian.PutUint16(buf[4:6], k.Port)
	binary.NativeEndian.PutUint16(buf[6:8], k.Slot)
	return buf, nil
}

// UnmarshalBinary decodes a kernel lb4 key.
func (k *ServiceKey) UnmarshalBinary(buf []byte) error {
	if len(buf) != ServiceKeySize {
		return fmt.Errorf("service key: expected %d bytes, got %d", ServiceKeySize, len(buf))
	}
	copy(k.Address[:], buf[0:4])
	k.Port = binary.BigEndian.Uint16(buf[4:6])
	k.Slot = binary.NativeEndian.Uint16(buf[6:8])
	return nil
}

// EncodeServiceRecord encodes r. The selector kind is not stored; it is
// implied by the role of the entry.
func EncodeServiceRecord(r ServiceRecord) []byte {
	buf := make([]byte, ServiceValueSize)
	binary.NativeEndian.PutUint32(buf[0:4], r.Selector.Value)
	binary.NativeEndian.PutUint16(buf[4:6], r.Count)
	binary.NativeEndian.PutUint16(buf[6:8], r.RevNATIndex)
	buf[8] = r.Flags
	buf[9] = r.Flags2
	return buf
}

// DecodeServiceRecord decodes a service value stored under key. Slot entries
// always carry a backend id; on the base entry the flags name the variant.
func DecodeServiceRecord(key ServiceKey, buf []byte) (ServiceRecord, error) {
	if len(buf) != ServiceValueSize {
		return ServiceRecord{}, fmt.Errorf("service value: expected %d bytes, got %d", ServiceValueSize, len(buf))
	}
	r := ServiceRecord{
		Count:       binary.NativeEndian.Uint16(buf[4:6]),
		RevNATIndex: binary.NativeEndian.Uint16(buf[6:8]),
		Flags:       buf[8],
		Flags2:      buf[9],
	}
	value := binary.NativeEndian.Uint32(buf[0:4])
	switch {
	case key.Slot > 0:
		r.Selector = Selector{Kind: SelectorBackendID, Value: value}
	case r.Flags&FlagSessionAffinity != 0:
		r.Selector = Selector{Kind: SelectorAffinityTimeout, Value: value}
	case r.Flags2&Flag2L7LoadBalancer != 0:
		r.Selector = Selector{Kind: SelectorL7ProxyPort, Value: value}
	default:
		r.Selector = Selector{Kind: SelectorNone, Value: value}
	}
	return r, nil
}

// MarshalBinary encodes the backend id as a host-endian u32.
func (id BackendID) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BackendKeySize)
	binary.NativeEndian.PutUint32(buf, uint32(id))
	return buf, nil
}

// UnmarshalBinary decodes a host-endian u32 backend id.
func (id *BackendID) UnmarshalBinary(buf []byte) error {
	if len(buf) != BackendKeySize {
		return fmt.Errorf("backend key: expected %d bytes, got %d", BackendKeySize, len(buf))
	}
	*id = BackendID(binary.NativeEndian.Uint32(buf))
	return nil
}

// MarshalBinary encodes the backend as the kernel lb4 backend.
func (b BackendRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BackendValueSize)
	copy(buf[0:4], b.Address[:])
	binary.BigEndian.PutUint16(buf[4:6], b.Port)
	buf[6] = uint8(b.Proto)
	buf[7] = b.Flags
	return buf, nil
}

// UnmarshalBinary decodes a kernel lb4 backend.
func (b *BackendRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) != BackendValueSize {
		return fmt.Errorf("backend value: expected %d bytes, got %d", BackendValueSize, len(buf))
	}
	copy(b.Address[:], buf[0:4])
	b.Port = binary.BigEndian.Uint16(buf[4:6])
	b.Proto = Protocol(buf[6])
	b.Flags = buf[7]
	return nil
}
