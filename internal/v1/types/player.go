package types

import "fmt"

// PlayerSize is the wire length of a serialized Player: account(20) + peer(20) + signer(32).
const PlayerSize = 20 + 20 + 32

// Player is a room participant's identity triple: on-chain account, network
// peer id, and the 32-byte signer pubkey used for result attestation.
type Player struct {
	Account Account
	Peer    PeerId
	Signer  [32]byte
}

// ToBytes serializes a Player as account || peer || signer (72 bytes).
func (p Player) ToBytes() []byte {
	out := make([]byte, 0, PlayerSize)
	out = append(out, p.Account[:]...)
	out = append(out, p.Peer[:]...)
	out = append(out, p.Signer[:]...)
	return out
}

// PlayerFromBytes parses a 72-byte blob produced by Player.ToBytes.
func PlayerFromBytes(b []byte) (Player, error) {
	var p Player
	if len(b) != PlayerSize {
		return p, fmt.Errorf("player: expected %d bytes, got %d", PlayerSize, len(b))
	}
	copy(p.Account[:], b[0:20])
	copy(p.Peer[:], b[20:40])
	copy(p.Signer[:], b[40:72])
	return p, nil
}
