package sink

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aarnav2440/extension-kafka/internal/config"
)

// ConfirmationMode is how much a publisher waits for the broker.
type ConfirmationMode string

const (
	// ConfirmNone hands records to the producer and returns.
	ConfirmNone ConfirmationMode = "none"
	// ConfirmAck waits until every record is acknowledged by all replicas.
	ConfirmAck ConfirmationMode = "ack"
	// ConfirmTransactional writes each batch in a broker transaction.
	ConfirmTransactional ConfirmationMode = "transactional"
)

// ParseConfirmationMode is case-insensitive. The empty string means none.
func ParseConfirmationMode(s string) (ConfirmationMode, error) {
	switch m := ConfirmationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ConfirmNone, nil
	case ConfirmNone, ConfirmAck, ConfirmTransactional:
		return m, nil
	}
	// the legacy spellings
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WAIT_FOR_ACK":
		return ConfirmAck, nil
	}
	return "", fmt.Errorf("%w: confirmation mode %q (want none|ack|transactional)", config.ErrInvalid, s)
}

// ResolveConfirmationMode applies the transactional id prefix rule: a
// prefix always means transactional publishing. Overriding a configured
// non-transactional mode is logged as a warning.
func ResolveConfirmationMode(mode ConfirmationMode, txPrefix string, log *slog.Logger) (ConfirmationMode, error) {
	if mode == "" {
		mode = ConfirmNone
	}
	if txPrefix != "" {
		if mode != ConfirmTransactional {
			log.Warn("sink: transactional id prefix is set; forcing transactional confirmation",
				"configured", string(mode), "prefix", txPrefix)
		}
		return ConfirmTransactional, nil
	}
	if mode == ConfirmTransactional {
		return "", fmt.Errorf("%w: transactional confirmation needs a transactional id prefix", config.ErrInvalid)
	}
	return mode, nil
}

func (m ConfirmationMode) IsTransactional() bool { return m == ConfirmTransactional }

func (m ConfirmationMode) WaitsForAck() bool { return m == ConfirmAck }
