package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// MarketStatus represents the lifecycle state of a market. Resolved and
// Cancelled are terminal.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// MarketResult is the declared outcome of a market. It is set exactly once,
// together with the terminal status.
type MarketResult string

const (
	ResultUnresolved MarketResult = "unresolved"
	ResultYes        MarketResult = "yes"
	ResultNo         MarketResult = "no"
	ResultInvalid    MarketResult = "invalid"
)

// ParseOutcome maps a resolution-pipeline decision string (YES/NO/INVALID,
// case-insensitive) to a MarketResult.
func ParseOutcome(s string) (MarketResult, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return ResultYes, nil
	case "no":
		return ResultNo, nil
	case "invalid":
		return ResultInvalid, nil
	default:
		return ResultUnresolved, fmt.Errorf("domain: unknown outcome %q", s)
	}
}

// Market is a binary pari-mutuel prediction market. The running YES/NO
// totals are encrypted; DecryptedYesTotal/DecryptedNoTotal are populated
// exactly once by the verified reveal step, gated by TotalsDecrypted.
type Market struct {
	ID                 uint64
	Title              string
	MetadataURI        string
	VotingEndsAt       time.Time
	ResolutionDeadline time.Time
	Status             MarketStatus
	Result             MarketResult
	BetCount           uint64
	YesTotalHandle     fhe.Handle
	NoTotalHandle      fhe.Handle
	DecryptedYesTotal  uint64
	DecryptedNoTotal   uint64
	TotalsDecrypted    bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Bet is a user's single stake on a market. Both the vote and the amount are
// ciphertext handles; the stake was debited from the user's confidential
// balance when the bet was accepted.
type Bet struct {
	MarketID     uint64
	User         common.Address
	VoteHandle   fhe.Handle // encrypted boolean: true = YES
	AmountHandle fhe.Handle
	Claimed      bool
	PlacedAt     time.Time
}

// BetView is the read model for a user's bet. Handles are returned as-is;
// whether the caller can decrypt them is decided by the handle ACLs, not by
// this projection.
type BetView struct {
	Exists       bool
	Claimed      bool
	VoteHandle   fhe.Handle
	AmountHandle fhe.Handle
}
