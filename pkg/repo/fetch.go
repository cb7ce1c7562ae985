// Package repo implements the Repository Fetch Loop: per-role HTTP
// GETs against a Director or Image repository, each size-capped and
// retried at most once, feeding the raw bytes into pkg/uptane for
// verification.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/uptane-agent/pkg/log"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
	"github.com/cuemby/uptane-agent/pkg/uptane"
)

// Client fetches role files for one repository over HTTP.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	repo    types.RepositoryId
}

// NewClient builds a Client retried at most once per call, matching
// the "retried at most once per cycle" rule for metadata fetches.
func NewClient(baseURL string, repo types.RepositoryId) *Client {
	h := retryablehttp.NewClient()
	h.RetryMax = 1
	h.RetryWaitMin = 200 * time.Millisecond
	h.RetryWaitMax = 2 * time.Second
	h.Logger = nil
	return &Client{http: h, baseURL: baseURL, repo: repo}
}

// fetchCapped GETs path and returns its body, failing closed if the
// server sends more than maxSize bytes; at most maxSize+1 bytes are
// ever read into memory.
func (c *Client) fetchCapped(ctx context.Context, p string, maxSize int64) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+p, nil)
	if err != nil {
		return nil, uperrors.Wrap(uperrors.NetworkError, err, "failed to build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, uperrors.Wrap(uperrors.NetworkError, err, "request failed for "+p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, uperrors.New(uperrors.NetworkError, fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, p))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, uperrors.Wrap(uperrors.NetworkError, err, "failed to read body for "+p)
	}
	if int64(len(body)) > maxSize {
		return nil, uperrors.New(uperrors.MetadataError, p+" exceeds size cap")
	}
	return body, nil
}

var errNotFound = fmt.Errorf("not found")

// FetchRoot implements uptane.FetchRootFunc against this repository's
// numbered root files (N.root.json).
func (c *Client) FetchRoot(ctx context.Context) uptane.FetchRootFunc {
	return func(repo types.RepositoryId, n types.Version) ([]byte, bool, error) {
		raw, err := c.fetchCapped(ctx, fmt.Sprintf("%d.root.json", n), uptane.KMaxRootSize)
		if err == errNotFound {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return raw, true, nil
	}
}

func (c *Client) fetchTimestamp(ctx context.Context) ([]byte, error) {
	return c.fetchCapped(ctx, "timestamp.json", uptane.KMaxTimestampSize)
}

func (c *Client) fetchSnapshot(ctx context.Context) ([]byte, error) {
	return c.fetchCapped(ctx, "snapshot.json", uptane.KMaxSnapshotSize)
}

func (c *Client) fetchTargets(ctx context.Context, roleName string) ([]byte, error) {
	return c.fetchCapped(ctx, roleName+".json", uptane.KMaxTargetsSize)
}

// UpdateMeta runs the full per-cycle metadata refresh sequence for one
// repository: rotate Root, then walk Timestamp -> Snapshot -> Targets,
// short-circuiting as soon as Timestamp reports no new Snapshot.
// changed reports whether any new Targets became available.
func (c *Client) UpdateMeta(ctx context.Context, v *uptane.Verifier) (changed bool, topTargets types.TargetsBody, snap types.SnapshotBody, err error) {
	logger := log.WithRepo(log.WithComponent("repo"), string(c.repo))

	if err := v.RotateRoot(c.repo, c.FetchRoot(ctx)); err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}

	rawTS, err := c.fetchTimestamp(ctx)
	if err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}
	tsBody, err := v.VerifyTimestamp(c.repo, rawTS)
	if err != nil {
		if isStaleVersion(err) {
			logger.Debug().Msg("timestamp unchanged, skipping snapshot/targets fetch")
			return false, types.TargetsBody{}, types.SnapshotBody{}, nil
		}
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}

	rawSnap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}
	snap, err = v.VerifySnapshot(c.repo, rawSnap, tsBody)
	if err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}

	rawTargets, err := c.fetchTargets(ctx, "targets")
	if err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}
	topTargets, err = v.VerifyTargets(c.repo, rawTargets, snap, "targets", nil, 0, 0)
	if err != nil {
		return false, types.TargetsBody{}, types.SnapshotBody{}, err
	}

	logger.Info().Int("targets", len(topTargets.Targets)).Msg("metadata refreshed")
	return true, topTargets, snap, nil
}

// FetchDelegated adapts this client into an uptane.FetchDelegatedFunc
// for resolving Image-repository delegations.
func (c *Client) FetchDelegated(ctx context.Context) uptane.FetchDelegatedFunc {
	return func(roleName string) ([]byte, error) {
		return c.fetchTargets(ctx, roleName)
	}
}

func isStaleVersion(err error) bool {
	me, ok := err.(*uperrors.MetadataErr)
	return ok && me.Reason == uperrors.ReasonVersionMismatch
}

// DownloadBinary opens a streaming GET for a target binary, either at
// the path the custom metadata overrides (uri) or the default
// "targets/<filename>" convention. The caller is responsible for
// closing the returned body and for verifying its hash as bytes
// arrive — no buffering or size cap happens here, the download loop
// in pkg/orchestrator owns that.
func (c *Client) DownloadBinary(ctx context.Context, filename, uri string) (io.ReadCloser, error) {
	p := "targets/" + filename
	url := c.baseURL + "/" + p
	if uri != "" {
		url = uri
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, uperrors.Wrap(uperrors.NetworkError, err, "failed to build download request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, uperrors.Wrap(uperrors.NetworkError, err, "download request failed for "+filename)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, uperrors.New(uperrors.NetworkError, fmt.Sprintf("unexpected status %d downloading %s", resp.StatusCode, filename))
	}
	return resp.Body, nil
}

// PutManifest PUTs a signed device manifest to the Director's
// /director/manifest endpoint.
func (c *Client) PutManifest(ctx context.Context, raw []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/director/manifest", bytes.NewReader(raw))
	if err != nil {
		return uperrors.Wrap(uperrors.NetworkError, err, "failed to build manifest request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return uperrors.Wrap(uperrors.NetworkError, err, "manifest put failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return uperrors.New(uperrors.NetworkError, fmt.Sprintf("unexpected status %d putting manifest", resp.StatusCode))
	}
	return nil
}
