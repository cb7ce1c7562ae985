package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTargetMatch(t *testing.T) {
	base := Target{
		Filename: "firmware.bin",
		Hashes:   []Hash{{Algorithm: HashSHA256, Hex: "abc"}, {Algorithm: HashSHA512, Hex: "def"}},
	}

	cases := []struct {
		name  string
		other Target
		want  bool
	}{
		{"identical", base, true},
		{"different filename", Target{Filename: "other.bin", Hashes: base.Hashes}, false},
		{"no shared hash algorithm does not match", Target{Filename: "firmware.bin"}, false},
		{"shared algorithm disagrees", Target{Filename: "firmware.bin", Hashes: []Hash{{Algorithm: HashSHA256, Hex: "zzz"}}}, false},
		{"shared algorithm agrees, extra algorithm ignored", Target{Filename: "firmware.bin", Hashes: []Hash{{Algorithm: HashSHA256, Hex: "abc"}}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, base.Match(c.other))
		})
	}
}

func TestTimeStampInvalidSentinel(t *testing.T) {
	var zero TimeStamp
	require.False(t, zero.Valid())
	require.False(t, zero.Before(zero))
	require.False(t, zero.After(time.Now()))

	now := NewTimeStamp(time.Now())
	require.True(t, now.Valid())
	require.False(t, zero.Before(now))
	require.False(t, now.Before(zero))

	future := NewTimeStamp(time.Now().Add(time.Hour))
	require.True(t, now.Before(future))
	require.False(t, future.Before(now))
}

func TestParseTimeStamp(t *testing.T) {
	ts, err := ParseTimeStamp("2100-01-01T00:00:00Z")
	require.NoError(t, err)
	require.True(t, ts.Valid())
	require.True(t, ts.After(time.Now()))

	bad, err := ParseTimeStamp("not-a-time")
	require.Error(t, err)
	require.False(t, bad.Valid())
}

func TestInstallationResultClassification(t *testing.T) {
	cases := []struct {
		code        ResultCode
		wantSuccess bool
		wantFatal   bool
	}{
		{ResultOk, true, false},
		{ResultAlreadyProcessed, true, false},
		{ResultNeedCompletion, true, false},
		{ResultVerificationFailed, false, true},
		{ResultInstallFailed, false, true},
		{ResultDownloadFailed, false, false},
		{ResultGeneralError, false, true},
	}
	for _, c := range cases {
		r := InstallationResult{Code: c.code}
		require.Equal(t, c.wantSuccess, r.IsSuccess(), "code %v IsSuccess", c.code)
		require.Equal(t, c.wantFatal, r.IsFatal(), "code %v IsFatal", c.code)
	}
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "root", Role{Kind: RoleRoot}.String())
	require.Equal(t, "targets", Role{Kind: RoleTargets}.String())
	require.Equal(t, "installers", Role{Kind: RoleDelegated, Name: "installers"}.String())
}
