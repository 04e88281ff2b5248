// Package routerkey implements the Router Key data-model object from
// spec.md §3: the signed binding between an AS and a router's BGPsec
// signing key, identified by a 160-bit SKI.
package routerkey

import "fmt"

// SKILen is the fixed length of a Subject Key Identifier for a router key,
// rfc6487#section-4.8.2.
const SKILen = 20

// SPKILen is the fixed DER length of the ECDSA P-256 SubjectPublicKeyInfo
// profile mandated for router keys (the original's RK_SPKI_LEN).
const SPKILen = 91

// RouterKey is the triple (SKI, AS, SPKI) emitted by handle_router_key.
type RouterKey struct {
	SKI  [SKILen]byte
	AS   uint32
	SPKI [SPKILen]byte
}

// New validates ski and spki against their fixed lengths and constructs a
// RouterKey, matching router_key_init()'s contract in the original.
func New(ski []byte, as uint32, spki []byte) (RouterKey, error) {
	if len(ski) != SKILen {
		return RouterKey{}, fmt.Errorf("routerkey: ski must be %d bytes, got %d", SKILen, len(ski))
	}
	if len(spki) != SPKILen {
		return RouterKey{}, fmt.Errorf("routerkey: spki must be %d bytes, got %d", SPKILen, len(spki))
	}

	var rk RouterKey
	copy(rk.SKI[:], ski)
	copy(rk.SPKI[:], spki)
	rk.AS = as
	return rk, nil
}
