// Package sidechannel is the logging sidechannel (C10): a failure-path-only
// fan-out that records a failed delivery to a local file, the central log
// topic, and a JSON-lines search index. It is deliberately separate from the
// hot-path logging/ package: every message that flows through a handler is
// logged there, but only failures are recorded here, and a broken sink must
// never propagate back into the consumer dispatch engine or outbox
// publisher that reports to it.
package sidechannel

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
)

// Publisher is the minimal broker surface needed to publish failure records
// to the central log topic. Both broker adapters' Watermill-shaped
// publishers satisfy this.
type Publisher interface {
	Publish(topic string, messages ...*message.Message) error
}

// Record describes one failed delivery, written to every configured sink.
type Record struct {
	Type       string            `json:"type"`
	MessageID  string            `json:"message_id"`
	Headers    map[string]string `json:"headers,omitempty"`
	Error      string            `json:"error"`
	RetryCount int               `json:"retry_count"`
	FailedAt   time.Time         `json:"failed_at"`
}

// Config configures the three sinks. A zero field disables its sink; a
// Config with every field zero produces a safe no-op Sidechannel.
type Config struct {
	// FilePath is a local append-only log of failure records.
	FilePath string
	// SearchIndexPath is a JSON-lines file suited to being tailed into a
	// search index (Elasticsearch/OpenSearch bulk ingest, grep, jq).
	SearchIndexPath string
	// CentralTopic is the broker topic failures are republished to for
	// centralized alerting/aggregation across service instances.
	CentralTopic string
	Publisher    Publisher
	Logger       loggingpkg.ServiceLogger
}

// Sidechannel fans a failure record out to its configured sinks. It never
// returns an error: every sink failure is logged and swallowed, since a
// broken sink must not be able to take down a caller's failure path.
type Sidechannel struct {
	mu           sync.Mutex
	file         *os.File
	searchIndex  *os.File
	centralTopic string
	publisher    Publisher
	logger       loggingpkg.ServiceLogger
}

// New builds a Sidechannel from cfg. Sink open failures are logged and leave
// that sink disabled rather than failing construction.
func New(cfg Config) *Sidechannel {
	sc := &Sidechannel{centralTopic: cfg.CentralTopic, publisher: cfg.Publisher, logger: cfg.Logger}

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			sc.logError("open failure log file", err, cfg.FilePath)
		} else {
			sc.file = f
		}
	}
	if cfg.SearchIndexPath != "" {
		f, err := os.OpenFile(cfg.SearchIndexPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			sc.logError("open search index file", err, cfg.SearchIndexPath)
		} else {
			sc.searchIndex = f
		}
	}
	return sc
}

// Failure writes rec to every configured sink. Safe to call on a nil
// Sidechannel, which is treated as fully disabled.
func (sc *Sidechannel) Failure(ctx context.Context, rec Record) {
	if sc == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.file != nil {
		if _, werr := sc.file.Write(line); werr != nil {
			sc.logError("file sink write", werr, "")
		}
	}
	if sc.searchIndex != nil {
		if _, werr := sc.searchIndex.Write(line); werr != nil {
			sc.logError("search index sink write", werr, "")
		}
	}
	if sc.publisher != nil && sc.centralTopic != "" {
		msg := message.NewMessage(rec.MessageID, line)
		if perr := sc.publisher.Publish(sc.centralTopic, msg); perr != nil {
			sc.logError("central log topic publish", perr, sc.centralTopic)
		}
	}
}

func (sc *Sidechannel) logError(action string, err error, target string) {
	if sc.logger == nil {
		return
	}
	fields := loggingpkg.LogFields{}
	if target != "" {
		fields["target"] = target
	}
	sc.logger.Error("sidechannel: "+action+" failed", err, fields)
}

// Close releases the file sinks. The central log topic publisher is owned by
// the caller and is not closed here.
func (sc *Sidechannel) Close() error {
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.file != nil {
		sc.file.Close()
	}
	if sc.searchIndex != nil {
		sc.searchIndex.Close()
	}
	return nil
}
