package engine

import (
	"time"
)

// Session identifies the KRX trading window a wall-clock instant falls in.
type Session string

const (
	SessionClosed      Session = "CLOSED"
	SessionPreMarket   Session = "PRE_MARKET"
	SessionRegular     Session = "REGULAR"
	SessionCallAuction Session = "CALL_AUCTION"
)

var kstLocation = mustLoadKST()

func mustLoadKST() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		// Seoul has no DST; a fixed offset is an exact substitute when the
		// tzdata is unavailable.
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// NowKST returns the current wall clock in exchange time.
func NowKST() time.Time { return time.Now().In(kstLocation) }

// TradeDate formats t as the YYYY-MM-DD trading date in exchange time.
func TradeDate(t time.Time) string {
	return t.In(kstLocation).Format("2006-01-02")
}

// SessionAt classifies t against the KRX schedule: pre-market 08:30-09:00,
// regular 09:00-15:20, closing call auction 15:20-15:30. Weekends are closed.
// Exchange holidays are not modeled here; the broker rejects orders on those
// days and the pending-exit path absorbs the rejection.
func SessionAt(t time.Time) Session {
	t = t.In(kstLocation)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosed
	}

	minutes := t.Hour()*60 + t.Minute()
	switch {
	case minutes >= 8*60+30 && minutes < 9*60:
		return SessionPreMarket
	case minutes >= 9*60 && minutes < 15*60+20:
		return SessionRegular
	case minutes >= 15*60+20 && minutes < 15*60+30:
		return SessionCallAuction
	default:
		return SessionClosed
	}
}

// EntryAllowedAt reports whether new positions may be opened at t.
func EntryAllowedAt(t time.Time) bool {
	return SessionAt(t) == SessionRegular
}

// ExitAllowedAt reports whether positions may be closed at t, and if not,
// the denial reason. Call-auction exits are deferred rather than failed.
func ExitAllowedAt(t time.Time) (bool, string) {
	switch SessionAt(t) {
	case SessionRegular:
		return true, ""
	case SessionCallAuction:
		return false, "CALL_AUCTION"
	default:
		return false, "MARKET_CLOSED"
	}
}
