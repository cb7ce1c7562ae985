package orchestrator

import (
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/repo"
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
)

func sha512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

func binaryServer(t *testing.T, binaries map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := binaries[strings.TrimPrefix(p, "targets/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
}

func newDownloadOrchestrator(t *testing.T, imageURL string) (*Orchestrator, *events.Broker) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	image := repo.NewClient(imageURL, types.RepoImage)
	o := New(Config{}, s, nil, image, nil, nil, nil, bus, nil, t.TempDir())
	return o, bus
}

func TestDownloadOneEmitsProgressEventsAndVerifiesSHA256(t *testing.T) {
	firmware := make([]byte, 50_000)
	for i := range firmware {
		firmware[i] = byte(i)
	}
	hash := sha256Hex(firmware)

	srv := binaryServer(t, map[string][]byte{"firmware.bin": firmware})
	defer srv.Close()

	o, bus := newDownloadOrchestrator(t, srv.URL)
	sub := bus.Subscribe(1024)
	defer bus.Unsubscribe(sub)

	target := types.Target{
		Filename: "firmware.bin",
		Length:   int64(len(firmware)),
		Hashes:   []types.Hash{{Algorithm: types.HashSHA256, Hex: hash}},
	}

	outcome := o.downloadOne(t.Context(), target)
	require.True(t, outcome.Success, "%v", outcome.Err)
	require.Equal(t, hash, filepath.Base(outcome.Path))

	var percents []int
draining:
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.EventDownloadProgress {
				p, ok := evt.Payload.(DownloadProgress)
				require.True(t, ok)
				percents = append(percents, p.Percent)
			}
		default:
			break draining
		}
	}

	require.NotEmpty(t, percents, "expected at least one DownloadProgress event")
	require.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		require.Greater(t, percents[i], percents[i-1])
	}
}

func TestDownloadOneVerifiesSHA512WhenNoSHA256Present(t *testing.T) {
	firmware := []byte("sha512-only-firmware-content")
	hash := sha512Hex(firmware)

	srv := binaryServer(t, map[string][]byte{"firmware.bin": firmware})
	defer srv.Close()

	o, _ := newDownloadOrchestrator(t, srv.URL)

	target := types.Target{
		Filename: "firmware.bin",
		Length:   int64(len(firmware)),
		Hashes:   []types.Hash{{Algorithm: types.HashSHA512, Hex: hash}},
	}

	outcome := o.downloadOne(t.Context(), target)
	require.True(t, outcome.Success, "%v", outcome.Err)
}

func TestDownloadOneRejectsTamperedSHA512Content(t *testing.T) {
	firmware := []byte("sha512-only-firmware-content")
	wrongHash := sha512Hex([]byte("different-content-entirely"))

	srv := binaryServer(t, map[string][]byte{"firmware.bin": firmware})
	defer srv.Close()

	o, _ := newDownloadOrchestrator(t, srv.URL)

	target := types.Target{
		Filename: "firmware.bin",
		Length:   int64(len(firmware)),
		Hashes:   []types.Hash{{Algorithm: types.HashSHA512, Hex: wrongHash}},
	}

	outcome := o.downloadOne(t.Context(), target)
	require.False(t, outcome.Success)
	require.Error(t, outcome.Err)
}

func TestDownloadOneRejectsUnverifiableHashAlgorithm(t *testing.T) {
	o, _ := newDownloadOrchestrator(t, "http://unused.invalid")

	target := types.Target{
		Filename: "firmware.bin",
		Length:   10,
		Hashes:   []types.Hash{{Algorithm: "md5", Hex: "deadbeef"}},
	}

	outcome := o.downloadOne(t.Context(), target)
	require.False(t, outcome.Success)
	require.Error(t, outcome.Err)
}
