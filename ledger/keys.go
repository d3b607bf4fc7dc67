package ledger

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Reservations outlive the UTC day they bucket so cross-day forensics
	// remain possible before expiry.
	reservationTTL = 72 * time.Hour
	// Processed markers guard anchor replays for a week.
	processedTTL = 7 * 24 * time.Hour
	// The anchor lock self-expires if a holder dies mid-iteration.
	lockTTL = 2 * time.Minute

	// LockKey serialises anchoring across firewall instances.
	LockKey = "anchor:lock"
)

// pairTag renders the (user, agent) routing component shared by every
// ledger key. The braces double as a Redis Cluster hash tag so all keys
// for one pair land on the same slot.
func pairTag(user, agent string) string {
	return "{user:" + strings.ToLower(user) + ":agent:" + strings.ToLower(agent) + "}"
}

// SpendKey returns the day-bucketed reservation key for a pair.
func SpendKey(user, agent, day string) string {
	return "spend:" + pairTag(user, agent) + ":" + day
}

// PendingKey returns the pending-anchor queue key for a pair.
func PendingKey(user, agent string) string {
	return "pending:" + pairTag(user, agent)
}

// FailedKey returns the operator-facing failed queue key for a pair.
func FailedKey(user, agent string) string {
	return "failed:" + pairTag(user, agent)
}

// ProcessedKey returns the replay-guard marker key for an anchored hash.
func ProcessedKey(user, agent, txHash string) string {
	return PendingKey(user, agent) + ":processed:" + strings.ToLower(txHash)
}

// DayBucket formats the UTC day component of a reservation key. Rollover
// at 00:00 UTC implicitly zeroes the counter because a fresh key is
// written.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ParsePendingKey recovers the (user, agent) pair from a pending queue
// key. Keys carrying the processed-marker suffix or otherwise deviating
// from the template are rejected.
func ParsePendingKey(key string) (user, agent string, err error) {
	const prefix = "pending:{user:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "}") {
		return "", "", fmt.Errorf("ledger: malformed pending key %q", key)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "}")
	user, agent, found := strings.Cut(body, ":agent:")
	if !found || user == "" || agent == "" {
		return "", "", fmt.Errorf("ledger: malformed pending key %q", key)
	}
	if strings.ContainsAny(user, "{}:") || strings.ContainsAny(agent, "{}:") {
		return "", "", fmt.Errorf("ledger: malformed pending key %q", key)
	}
	return user, agent, nil
}
