package sentinel

import (
	"fmt"
	"strings"
)

// Tier is the escalating risk level of an open position.
type Tier int8

const (
	TierNormal Tier = iota
	TierC           // watch: faster monitoring only
	TierB           // warn: tightens the trailing stop
	TierA           // panic: full exit
)

var tierNames = [...]string{"NORMAL", "TIER_C", "TIER_B", "TIER_A"}

func (t Tier) String() string {
	if t < TierNormal || t > TierA {
		return fmt.Sprintf("TIER(%d)", int8(t))
	}
	return tierNames[t]
}

// ParseTier parses the String form of a tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return TierNormal, fmt.Errorf("sentinel: unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
