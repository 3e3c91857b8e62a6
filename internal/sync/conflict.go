package sync

import "time"

// Strategy selects how a version mismatch between a client operation and
// the current server row is settled.
type Strategy string

const (
	StrategyClientWins    Strategy = "client-wins"
	StrategyServerWins    Strategy = "server-wins"
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyManual is client-side only: unresolved conflicts are handed
	// to the remote's Resolve call. The server never uses it.
	StrategyManual Strategy = "manual"
)

// DefaultStrategy applies when a table or client config names none.
const DefaultStrategy = StrategyLastWriteWins

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyLastWriteWins, StrategyManual:
		return true
	}
	return false
}

// Outcome of running the conflict policy over one stale update.
type Outcome int

const (
	// OutcomeResolved means the client write is applied despite the gap.
	OutcomeResolved Outcome = iota
	// OutcomeConflict means the write is refused and reported back.
	OutcomeConflict
)

// ResolveVersionGap runs the server-side conflict policy for an update
// whose version does not line up with the stored row. serverUpdatedAt is
// the row's last accepted write time. Last-write-wins uses strict
// "after": equal timestamps favor the server.
func ResolveVersionGap(strategy Strategy, op Operation, serverUpdatedAt time.Time) Outcome {
	switch strategy {
	case StrategyClientWins:
		return OutcomeResolved
	case StrategyServerWins:
		return OutcomeConflict
	default:
		if op.Timestamp.After(serverUpdatedAt) {
			return OutcomeResolved
		}
		return OutcomeConflict
	}
}

// ResolveClientConflict applies the client-side strategy to a conflict
// reported by the server and returns the operation to re-apply locally.
// When the server data wins the returned operation carries ClientID
// "server", so callers can tell which side prevailed. Manual conflicts
// return ok=false; the caller hands them to the remote.
func ResolveClientConflict(strategy Strategy, c Conflict) (Operation, bool) {
	switch strategy {
	case StrategyClientWins:
		resolved := c.Operation
		resolved.Status = ""
		return resolved, true
	case StrategyServerWins:
		return serverWon(c), true
	case StrategyManual:
		return Operation{}, false
	default: // last-write-wins, equal timestamps favor the server
		if !rowTime(c.ClientData).After(rowTime(c.ServerData)) {
			return serverWon(c), true
		}
		resolved := c.Operation
		resolved.Status = ""
		return resolved, true
	}
}

func serverWon(c Conflict) Operation {
	resolved := c.Operation
	resolved.ClientID = "server"
	resolved.Data = CloneRow(c.ServerData)
	return resolved
}

// rowTime extracts the _updated_at metadata field from a row. Rows without
// one sort to the zero time.
func rowTime(r Row) time.Time {
	v, ok := r[FieldUpdatedAt]
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.UnixMilli(t)
	case float64: // JSON round-trip
		return time.UnixMilli(int64(t))
	}
	return time.Time{}
}
