// Package batch implements the multi-BSO write pipeline: parse, validate,
// size-cap, quota-check, then commit through the Cache Coordinator
// (spec.md §4.4).
package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/coordinator"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/quota"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// ContentType enumerates the two supported batch body encodings (spec.md
// §4.4 step 1). Anything else fails with KindUnsupportedMediaType.
type ContentType string

const (
	ContentTypeJSON      ContentType = "application/json"
	ContentTypeNewlines  ContentType = "application/newlines"
)

// Limits are the per-batch caps, surfaced via Pipeline.Limits() so a
// caller can echo them in the historical info/configuration response
// (spec.md §9 supplement, grounded on validators.py's limit constants).
type Limits struct {
	MaxRecords     int
	MaxBytes       int64
	MaxRequestBytes int64
	MaxIDsPerQuery int
}

// DefaultLimits matches spec.md §4.4's stated defaults.
var DefaultLimits = Limits{
	MaxRecords:      100,
	MaxBytes:        1 << 20,
	MaxRequestBytes: 2 << 20,
	MaxIDsPerQuery:  100,
}

// Request is a single batch upload request body.
type Request struct {
	UserID      string
	Collection  string
	ContentType ContentType
	Body        []byte
}

// Result is the structured response spec.md §4.4 mandates.
type Result struct {
	Success  []string
	Failed   map[string]string
	Modified float64
}

// Pipeline is the component the (out-of-scope) HTTP layer would call into
// for a multi-BSO write.
type Pipeline struct {
	coord   *coordinator.Coordinator
	quota   *quota.Accountant
	limits  Limits
	logger  zerolog.Logger
}

func New(coord *coordinator.Coordinator, accountant *quota.Accountant, limits Limits) *Pipeline {
	if limits.MaxRecords == 0 {
		limits = DefaultLimits
	}
	return &Pipeline{coord: coord, quota: accountant, limits: limits, logger: log.WithComponent("batch")}
}

func (p *Pipeline) Limits() Limits { return p.limits }

// Upload runs the full pipeline described in spec.md §4.4 steps 1-6.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BatchUploadDuration)

	rawItems, err := parseBody(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}

	items, invalid, err := buildItems(rawItems)
	if err != nil {
		return nil, err
	}

	accepted, rejected := enforceBatchLimits(items, p.limits)
	for id, reason := range rejected {
		invalid[id] = reason
	}

	var totalBytes int64
	for _, item := range accepted {
		if item.Payload != nil {
			totalBytes += int64(len(*item.Payload))
		}
	}
	if err := p.quota.CheckAndReserve(ctx, req.UserID, totalBytes); err != nil {
		return nil, err
	}

	result := &Result{Failed: invalid}
	for _, reason := range invalid {
		metrics.BatchRecordsRejected.WithLabelValues(reason).Inc()
	}
	if len(accepted) == 0 {
		return result, nil
	}

	modified, err := p.coord.SetItems(ctx, req.UserID, req.Collection, accepted)
	if err != nil {
		// The whole commit failed atomically: every accepted id moves to
		// failed rather than aborting the response (spec.md step 6 — the
		// items that were "already persisted" in our single SetItems call
		// either all landed or none did, since the durable write is one
		// transaction; per-item partial failure only arises when a
		// caller batches multiple Upload calls across network retries).
		for _, item := range accepted {
			result.Failed[item.ID] = err.Error()
			metrics.BatchRecordsRejected.WithLabelValues("commit failed").Inc()
		}
		return result, nil
	}

	for _, item := range accepted {
		result.Success = append(result.Success, item.ID)
	}
	metrics.BatchRecordsAccepted.Add(float64(len(accepted)))
	result.Modified = modified
	return result, nil
}

func parseBody(ct ContentType, body []byte) ([]map[string]any, error) {
	switch ct {
	case ContentTypeJSON, "":
		var list []map[string]any
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, synerr.InvalidObject("malformed json batch body")
		}
		return list, nil
	case ContentTypeNewlines:
		var list []map[string]any
		scanner := bufio.NewScanner(bytes.NewReader(body))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				return nil, synerr.InvalidObject("malformed newline-delimited json")
			}
			list = append(list, obj)
		}
		return list, nil
	default:
		return nil, synerr.UnsupportedMediaType(string(ct))
	}
}

// buildItems constructs a BSO per raw object, recording per-id failures
// (or "" for items lacking an id). A duplicate id within the batch is a
// request-level error (spec.md §4.4 step 2, spec.md:139): the whole
// request fails rather than dropping the repeat, matching the other
// request-level failures parseBody already produces.
func buildItems(raw []map[string]any) ([]bso.BSO, map[string]string, error) {
	invalid := make(map[string]string)
	seen := make(map[string]bool)
	var items []bso.BSO
	for _, obj := range raw {
		item, ok, reason := bso.ParseBSO(obj)
		if !ok {
			key := ""
			if idVal, present := obj["id"]; present {
				if s, isStr := idVal.(string); isStr {
					key = s
				}
			}
			invalid[key] = reason
			continue
		}
		if seen[item.ID] {
			return nil, nil, synerr.InvalidObject("duplicate id in batch: " + item.ID)
		}
		seen[item.ID] = true
		items = append(items, *item)
	}
	return items, invalid, nil
}

// enforceBatchLimits caps the batch at limits.MaxRecords records and
// limits.MaxBytes total payload bytes, rejecting surplus items in
// insertion order with the historical "retry bso"/"retry bytes" reasons
// (spec.md §4.4 step 3) so the client knows to resubmit them.
func enforceBatchLimits(items []bso.BSO, limits Limits) (accepted []bso.BSO, rejected map[string]string) {
	rejected = make(map[string]string)
	var bytesUsed int64
	for _, item := range items {
		if len(accepted) >= limits.MaxRecords {
			rejected[item.ID] = "retry bso"
			continue
		}
		size := int64(0)
		if item.Payload != nil {
			size = int64(len(*item.Payload))
		}
		if bytesUsed+size > limits.MaxBytes {
			rejected[item.ID] = "retry bytes"
			continue
		}
		bytesUsed += size
		accepted = append(accepted, item)
	}
	return accepted, rejected
}
