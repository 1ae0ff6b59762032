package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/udsclient/gateway/lib/uds/broker"
	"github.com/udsclient/gateway/lib/uds/cleanup"
	"github.com/udsclient/gateway/lib/uds/descriptor"
	"github.com/udsclient/gateway/lib/uds/types"
	"github.com/udsclient/gateway/lib/uds/uderrors"
)

func TestParseURLAcceptsUdss(t *testing.T) {
	t.Parallel()

	req, err := parseURL("udss://broker.example.com/"+string(makeTicket('a'))+"/scramble1", false)
	require.NoError(t, err)
	require.Equal(t, "broker.example.com", req.Host)
	require.EqualValues(t, makeTicket('a'), req.Ticket)
	require.Equal(t, types.Scrambler("scramble1"), req.Scrambler)
	require.False(t, req.Minimal)
}

func TestParseURLRejectsUdsWithoutDebug(t *testing.T) {
	t.Parallel()

	_, err := parseURL("uds://broker.example.com/"+string(makeTicket('a'))+"/s", false)
	require.Error(t, err)
	var badArgs *uderrors.BadArguments
	require.ErrorAs(t, err, &badArgs)
}

func TestParseURLAcceptsUdsWithDebug(t *testing.T) {
	t.Parallel()

	req, err := parseURL("uds://broker.example.com/"+string(makeTicket('a'))+"/s", true)
	require.NoError(t, err)
	require.Equal(t, "broker.example.com", req.Host)
}

func TestParseURLRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, err := parseURL("http://broker.example.com/"+string(makeTicket('a'))+"/s", true)
	require.Error(t, err)
}

func TestParseURLRejectsBadTicketLength(t *testing.T) {
	t.Parallel()

	_, err := parseURL("udss://broker.example.com/short/s", false)
	require.Error(t, err)
}

func TestParseURLRejectsMissingScrambler(t *testing.T) {
	t.Parallel()

	_, err := parseURL("udss://broker.example.com/"+string(makeTicket('a')), false)
	require.Error(t, err)
}

func TestParseURLDetectsMinimalQueryParam(t *testing.T) {
	t.Parallel()

	req, err := parseURL("udss://broker.example.com/"+string(makeTicket('a'))+"/s?minimal=1", false)
	require.NoError(t, err)
	require.True(t, req.Minimal)
}

func TestHostOnlyStripsPort(t *testing.T) {
	t.Parallel()

	require.Equal(t, "broker.example.com", hostOnly("broker.example.com:8443"))
	require.Equal(t, "broker.example.com", hostOnly("broker.example.com"))
}

func TestReportAndExitMapsErrorKinds(t *testing.T) {
	t.Parallel()

	o := New(Config{})

	require.Equal(t, ExitBadArgs, o.reportAndExit(&uderrors.BadArguments{Reason: "nope"}))
	require.Equal(t, ExitBadArgs, o.reportAndExit(&uderrors.EndpointNotApproved{Host: "h"}))
	require.Equal(t, ExitRuntime, o.reportAndExit(&uderrors.SignatureInvalid{}))
	require.Equal(t, ExitRuntime, o.reportAndExit(&uderrors.TransportError{Cause: net.ErrClosed}))
}

func TestRunReturnsBadArgsExitCodeForInvalidURL(t *testing.T) {
	t.Parallel()

	o := New(Config{})
	code := o.Run(context.Background(), "not-a-uds-url", false)
	require.Equal(t, ExitBadArgs, code)
}

func TestRunReturnsBadArgsExitCodeWhenEndpointNotApproved(t *testing.T) {
	t.Parallel()

	storePath := filepath.Join(t.TempDir(), "trust.db")
	o := New(Config{TrustStorePath: storePath, Prompter: denyingPrompter{}})

	code := o.Run(context.Background(), "udss://broker.example.com/"+string(makeTicket('a'))+"/s", false)
	require.Equal(t, ExitBadArgs, code)
}

func TestRunUpgradeRequiredOpensBrowserAndExitsOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"required_version":"99.0.0","client_link":"https://example.com/download"}}`))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	storePath := filepath.Join(t.TempDir(), "trust.db")

	var openedLink string
	o := New(Config{
		TrustStorePath: storePath,
		Prompter:       approvingPrompter{},
		OpenBrowser:    func(link string) error { openedLink = link; return nil },
	})

	code := o.Run(context.Background(), "udss://"+host+"/"+string(makeTicket('a'))+"/s", false)
	require.Equal(t, ExitOK, code)
	require.Equal(t, "https://example.com/download", openedLink)
}

func TestFetchScriptWithRetryRetriesOnRetryableThenReturnsNextError(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(`{"error":"service busy","is_retrayable":"1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"no such ticket","is_retrayable":"0"}`))
	}))
	defer srv.Close()

	client := broker.NewClient(types.Endpoint{Host: srv.Listener.Addr().String()}, approvingCertChecker{}, nil)

	clock := clockwork.NewFakeClock()
	o := New(Config{Clock: clock})

	done := make(chan error, 1)
	go func() {
		_, err := o.fetchScriptWithRetry(context.Background(), client, makeTicket('a'), types.Scrambler("s"))
		done <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(scriptRetryDelay)

	select {
	case err := <-done:
		require.Error(t, err)
		var serverErr *uderrors.ServerError
		require.ErrorAs(t, err, &serverErr)
		var retry *uderrors.Retryable
		require.False(t, errors.As(err, &retry), "a non-retryable error must not still look retryable")
	case <-time.After(time.Second):
		t.Fatal("fetchScriptWithRetry did not return")
	}

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestLaunchClientStartsExecutableFoundOnPath(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-transport-client")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", dir)

	waiter, err := launchClient(&descriptor.Transport{
		ClientExecutable: "fake-transport-client",
		ClientArgs:       []string{"--quiet"},
	})
	require.NoError(t, err)
	require.NotNil(t, waiter)
	require.NoError(t, waiter.Wait())
}

func TestLaunchClientFailsWhenExecutableNotOnPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := launchClient(&descriptor.Transport{ClientExecutable: "no-such-client-binary"})
	require.Error(t, err)
}

func TestStartForwarderRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	o := New(Config{})
	_, err := o.startForwarder(&descriptor.Transport{Kind: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func TestStartForwarderBuildsTLSForwarder(t *testing.T) {
	t.Parallel()

	o := New(Config{Clock: clockwork.NewFakeClock()})
	fw, err := o.startForwarder(&descriptor.Transport{
		Kind:       descriptor.KindTLS,
		RemoteHost: "127.0.0.1",
		RemotePort: 1,
		Timeout:    60,
	}, nil)
	require.NoError(t, err)
	defer fw.Stop()

	require.Equal(t, types.StateListening, fw.State())
}

func TestCleanupUnlinksFilesAndRunsBeforeExit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	early := filepath.Join(dir, "early.tmp")
	late := filepath.Join(dir, "late.tmp")
	require.NoError(t, os.WriteFile(early, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(late, []byte("x"), 0o600))

	clock := clockwork.NewFakeClock()
	o := New(Config{Clock: clock})

	reg := cleanup.New()
	reg.RegisterFile(early, true)
	reg.RegisterFile(late, false)

	ran := false
	reg.RegisterBeforeExit(func() { ran = true })

	done := make(chan struct{})
	go func() {
		o.cleanup(context.Background(), reg, nil, nil)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(earlyStageGrace)
	clock.BlockUntil(1)
	clock.Advance(lateStageGrace)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not finish")
	}

	_, err := os.Stat(early)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(late)
	require.True(t, os.IsNotExist(err))
	require.True(t, ran)
}

func TestCleanupSendsLogWhenDescriptorPresent(t *testing.T) {
	t.Parallel()

	var gotLogTicket string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLogTicket = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := broker.NewClient(types.Endpoint{Host: srv.Listener.Addr().String()}, approvingCertChecker{}, nil)

	clock := clockwork.NewFakeClock()
	o := New(Config{Clock: clock, TailLog: func() string { return "tail bytes" }})

	reg := cleanup.New()
	done := make(chan struct{})
	go func() {
		o.cleanup(context.Background(), reg, client, &types.LogDescriptor{Ticket: "logticket123", Level: 1})
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(earlyStageGrace)
	clock.BlockUntil(1)
	clock.Advance(lateStageGrace)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not finish")
	}

	require.Contains(t, gotLogTicket, "logticket123")
}

func makeTicket(b byte) types.Ticket {
	buf := make([]byte, 48)
	for i := range buf {
		buf[i] = b
	}
	return types.Ticket(buf)
}

type approvingPrompter struct{}

func (approvingPrompter) PromptEndpoint(string) bool            { return true }
func (approvingPrompter) PromptCertificate(string, string) bool { return true }

type denyingPrompter struct{}

func (denyingPrompter) PromptEndpoint(string) bool            { return false }
func (denyingPrompter) PromptCertificate(string, string) bool { return false }

type approvingCertChecker struct{}

func (approvingCertChecker) OnCertError(string, string) (bool, error) { return true, nil }
