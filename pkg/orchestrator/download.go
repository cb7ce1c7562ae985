package orchestrator

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/metrics"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

// Download fetches every distinct target named in assignments at most
// once, content-addressing each by its content hash under blobDir. A
// target already present on disk is reused without a second fetch.
func (o *Orchestrator) Download(ctx context.Context, assignments []TargetAssignment) (AllDownloadsResult, error) {
	unique := make(map[string]types.Target, len(assignments))
	for _, a := range assignments {
		unique[a.Target.Filename] = a.Target
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outcomes []DownloadOutcome

	for _, target := range unique {
		wg.Add(1)
		go func(t types.Target) {
			defer wg.Done()
			outcome := o.downloadOne(ctx, t)

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()

			status := "success"
			if !outcome.Success {
				status = "failure"
			}
			metrics.DownloadsTotal.WithLabelValues(status).Inc()
			o.bus.Publish(&events.Event{Type: events.EventDownloadTargetComplete, Payload: outcome})
		}(target)
	}
	wg.Wait()

	result := AllDownloadsResult{Outcomes: outcomes}
	o.bus.Publish(&events.Event{Type: events.EventAllDownloadsComplete, Payload: result})
	return result, nil
}

// downloadOne fetches a single target, verifying length and hash as
// bytes arrive, and never holds more than one writer per hash (the
// inFlight map enforces that across concurrent downloadOne calls).
func (o *Orchestrator) downloadOne(ctx context.Context, target types.Target) DownloadOutcome {
	targetHash, ok := primaryHash(target)
	if !ok {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.New(uperrors.TargetMismatchError, "target carries no verifiable hash algorithm")}
	}
	digest, err := newDigest(targetHash.Algorithm)
	if err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: err}
	}

	if rec, found, err := o.store.GetTargetFile(targetHash); err == nil && found {
		if _, statErr := os.Stat(rec.Path); statErr == nil {
			return DownloadOutcome{Target: target, Success: true, Path: rec.Path}
		}
	}

	if _, loaded := o.inFlight.LoadOrStore(targetHash.Hex, struct{}{}); loaded {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.New(uperrors.NetworkError, "download already in flight for this hash")}
	}
	defer o.inFlight.Delete(targetHash.Hex)

	body, err := o.image.DownloadBinary(ctx, target.Filename, target.Custom.URI)
	if err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: err}
	}
	defer body.Close()

	f, err := os.CreateTemp(o.blobDir, "download-*.tmp")
	if err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.Wrap(uperrors.StorageError, err, "failed to create temp file")}
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	pr := newProgressReader(io.LimitReader(body, target.Length+1), target.Length, func(pct int) {
		o.bus.Publish(&events.Event{Type: events.EventDownloadProgress, Payload: DownloadProgress{Target: target, Percent: pct}})
	})
	written, err := io.Copy(io.MultiWriter(f, digest), pr)
	f.Close()
	if err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.Wrap(uperrors.NetworkError, err, "failed to read download body")}
	}
	if written != target.Length {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.New(uperrors.TargetMismatchError, "downloaded length does not match target length")}
	}
	if got := hex.EncodeToString(digest.Sum(nil)); got != targetHash.Hex {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.New(uperrors.TargetMismatchError, "downloaded hash does not match target hash")}
	}

	path := filepath.Join(o.blobDir, targetHash.Hex)
	if err := os.Rename(tmpPath, path); err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.Wrap(uperrors.StorageError, err, "failed to place downloaded blob")}
	}
	if err := o.store.PutTargetFile(targetHash, target.Length, path); err != nil {
		return DownloadOutcome{Target: target, Success: false, Err: uperrors.Wrap(uperrors.StorageError, err, "failed to record target file")}
	}

	return DownloadOutcome{Target: target, Success: true, Path: path}
}

// primaryHash picks the hash this download is content-addressed and
// verified by, preferring sha256 and falling back to sha512. A target
// carrying neither is rejected outright rather than stored unverified.
func primaryHash(t types.Target) (types.Hash, bool) {
	for _, h := range t.Hashes {
		if h.Algorithm == types.HashSHA256 {
			return h, true
		}
	}
	for _, h := range t.Hashes {
		if h.Algorithm == types.HashSHA512 {
			return h, true
		}
	}
	return types.Hash{}, false
}

// newDigest returns the hash.Hash matching algo, so the incremental
// digest computed while streaming a download always matches the
// algorithm its declared hash will be checked against.
func newDigest(algo types.HashAlgorithm) (hash.Hash, error) {
	switch algo {
	case types.HashSHA256:
		return sha256.New(), nil
	case types.HashSHA512:
		return sha512.New(), nil
	default:
		return nil, uperrors.New(uperrors.TargetMismatchError, "unsupported hash algorithm")
	}
}

// progressReader wraps an io.Reader and invokes onPercent once per
// integer percent boundary crossed relative to length, so a caller
// copying in large chunks still observes every boundary rather than
// jumping straight to the final percentage.
type progressReader struct {
	r         io.Reader
	length    int64
	read      int64
	lastPct   int
	onPercent func(pct int)
}

func newProgressReader(r io.Reader, length int64, onPercent func(pct int)) *progressReader {
	return &progressReader{r: r, length: length, onPercent: onPercent}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.length > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.length)
		if pct > 100 {
			pct = 100
		}
		for pct > p.lastPct {
			p.lastPct++
			p.onPercent(p.lastPct)
		}
	}
	return n, err
}
