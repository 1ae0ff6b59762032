/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package orchestrator drives one client session end to end: it parses the
// udss:// URL, consults the Trust Policy, talks to the Broker Client, decodes
// the verified transport descriptor, starts the forwarder it names, and runs
// the post-session cleanup sequence.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/broker"
	"github.com/udsclient/gateway/lib/uds/cleanup"
	"github.com/udsclient/gateway/lib/uds/descriptor"
	"github.com/udsclient/gateway/lib/uds/forward"
	"github.com/udsclient/gateway/lib/uds/platform"
	"github.com/udsclient/gateway/lib/uds/sshforward"
	"github.com/udsclient/gateway/lib/uds/trust"
	"github.com/udsclient/gateway/lib/uds/types"
	"github.com/udsclient/gateway/lib/uds/uderrors"
)

var log = logrus.WithField("component", "uds:orchestrator")

// Exit codes, per the session's external interface.
const (
	ExitOK      = 0
	ExitBadArgs = 1
	ExitRuntime = 128
)

// cleanup sequence timings, per spec: sleep before the early-stage unlink
// pass, then a longer grace before the late-stage pass.
const earlyStageGrace = 3 * time.Second
const lateStageGrace = 5 * time.Second

// scriptRetryDelay is how long to wait before re-fetching the transport
// descriptor after the broker reports a retryable (service-not-ready) error.
const scriptRetryDelay = 10 * time.Second

// Config bundles the orchestrator's collaborators, all substitutable for
// tests.
type Config struct {
	// Debug permits the unencrypted uds:// scheme and, separately, gates
	// verbose logging in lib/uds/logutils.
	Debug bool

	Prompter       trust.Prompter
	TrustStorePath string
	BundledCAPath  string

	Clock clockwork.Clock

	// OpenBrowser opens link in the user's default browser; nil disables it
	// (tests, or environments with no display).
	OpenBrowser func(link string) error

	// TailLog returns the last captured log bytes for upload after a
	// session with a log descriptor; nil disables log upload entirely.
	TailLog func() string
}

// Orchestrator runs sessions for a fixed Config.
type Orchestrator struct {
	cfg   Config
	clock clockwork.Clock
}

// New constructs an Orchestrator, filling in a real clock if cfg.Clock is
// nil.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{cfg: cfg, clock: cfg.Clock}
}

// request is one parsed, validated session invocation.
type request struct {
	Host      string
	Ticket    types.Ticket
	Scrambler types.Scrambler
	Minimal   bool
}

// parseURL validates rawURL against the udss://<host>[:port]/<ticket>/<scrambler>[?minimal]
// form; uds:// is accepted only when debug is true.
func parseURL(rawURL string, debug bool) (*request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &uderrors.BadArguments{Reason: "could not parse URL: " + err.Error()}
	}

	switch u.Scheme {
	case "udss":
	case "uds":
		if !debug {
			return nil, &uderrors.BadArguments{Reason: "uds:// is only accepted with debug mode enabled"}
		}
	default:
		return nil, &uderrors.BadArguments{Reason: "unsupported URL scheme " + u.Scheme}
	}

	if u.Host == "" {
		return nil, &uderrors.BadArguments{Reason: "URL is missing a host"}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, &uderrors.BadArguments{Reason: "URL path must be /<ticket>/<scrambler>"}
	}

	ticket := types.Ticket(parts[0])
	if err := ticket.Validate(); err != nil {
		return nil, &uderrors.BadArguments{Reason: err.Error()}
	}

	return &request{
		Host:      u.Host,
		Ticket:    ticket,
		Scrambler: types.Scrambler(parts[1]),
		Minimal:   u.Query().Has("minimal"),
	}, nil
}

// Run parses rawURL and drives one full session, returning the process exit
// code. minimalFlag, when true, forces minimal mode regardless of the URL's
// own ?minimal query parameter.
func (o *Orchestrator) Run(ctx context.Context, rawURL string, minimalFlag bool) int {
	req, err := parseURL(rawURL, o.cfg.Debug)
	if err != nil {
		return o.reportAndExit(err)
	}
	if minimalFlag {
		req.Minimal = true
	}

	store, err := trust.OpenStore(o.cfg.TrustStorePath)
	if err != nil {
		return o.reportAndExit(err)
	}
	defer func() { _ = store.Close() }()

	policy := trust.NewPolicy(store, o.cfg.Prompter).WithBundledCAPath(o.cfg.BundledCAPath)

	approved, err := policy.ApproveEndpoint(hostOnly(req.Host))
	if err != nil {
		return o.reportAndExit(err)
	}
	if !approved {
		return o.reportAndExit(&uderrors.EndpointNotApproved{Host: req.Host})
	}

	caBundle, err := trust.LoadCABundle(o.cfg.BundledCAPath)
	if err != nil {
		return o.reportAndExit(err)
	}

	client := broker.NewClient(types.Endpoint{Host: req.Host}, policy, caBundle)

	if _, link, err := client.GetRequiredVersion(ctx); err != nil {
		var upgrade *uderrors.UpgradeRequired
		if errors.As(err, &upgrade) {
			log.WithField("link", link).Info("client upgrade required")
			if o.cfg.OpenBrowser != nil {
				if oerr := o.cfg.OpenBrowser(upgrade.Link); oerr != nil {
					log.WithError(oerr).Warn("could not open browser for upgrade link")
				}
			}
			return ExitOK
		}
		return o.reportAndExit(err)
	}

	bundle, err := o.fetchScriptWithRetry(ctx, client, req.Ticket, req.Scrambler)
	if err != nil {
		return o.reportAndExit(err)
	}

	transport, err := descriptor.Decode(bundle.ScriptBytes)
	if err != nil {
		return o.reportAndExit(err)
	}

	hostApp := descriptor.HostApplication(descriptor.NullHostApplication{})
	defer hostApp.Close()

	reg := cleanup.New()

	fw, err := o.startForwarder(transport, caBundle)
	if err != nil {
		return o.reportAndExit(err)
	}

	hostApp.ShowMessage("session " + descriptor.SessionID() + " connected to " + req.Host)

	if transport.ClientExecutable != "" {
		if proc, err := launchClient(transport); err != nil {
			log.WithError(err).Warn("could not launch external transport client")
		} else {
			reg.RegisterTask(proc, true)
		}
	}

	// The forwarder keeps the session alive; cleanup only starts once it has
	// fully drained, and the process is expected to stay up until cleanup
	// (including the optional log upload) has completed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fw.Wait(); err != nil {
			log.WithError(err).Debug("forwarder wait returned an error")
		}
		o.cleanup(ctx, reg, client, bundle.Log)
	}()
	<-done

	return ExitOK
}

// fetchScriptWithRetry fetches the transport descriptor's script bundle,
// automatically retrying every scriptRetryDelay while the broker reports the
// service as not ready yet (uderrors.Retryable), the way the original
// client's fetch_transport_data re-scheduled itself on a ten-second timer
// instead of failing outright.
func (o *Orchestrator) fetchScriptWithRetry(ctx context.Context, client *broker.Client, ticket types.Ticket, scrambler types.Scrambler) (*broker.ScriptBundle, error) {
	for {
		bundle, err := client.GetScriptAndParameters(ctx, ticket, scrambler)
		if err == nil {
			return bundle, nil
		}

		var retry *uderrors.Retryable
		if !errors.As(err, &retry) {
			return nil, err
		}

		log.WithError(err).Info("broker reports service not ready, retrying")
		o.clock.Sleep(scriptRetryDelay)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
}

func (o *Orchestrator) startForwarder(t *descriptor.Transport, caBundle []byte) (types.Forwarder, error) {
	switch t.Kind {
	case descriptor.KindTLS:
		return forward.New(forward.Config{
			ListenPort:       t.ListenPort,
			RemoteHost:       t.RemoteHost,
			RemotePort:       t.RemotePort,
			Ticket:           types.Ticket(t.Ticket),
			CheckCertificate: t.CheckCertificate,
			CABundle:         caBundle,
			KeepListening:    t.KeepListening,
			Timeout:          t.Timeout,
			Clock:            o.clock,
		})
	case descriptor.KindSSH:
		return sshforward.New(sshforward.Config{
			ListenPort:           t.ListenPort,
			RemoteHost:           t.RemoteHost,
			RemotePort:           t.RemotePort,
			Username:             t.Username,
			Password:             t.Password,
			ExpectedFingerprints: t.ExpectedFingerprints,
			RedirectHost:         t.RedirectHost,
			RedirectPort:         t.RedirectPort,
			KeepListening:        t.KeepListening,
			Timeout:              t.Timeout,
			Clock:                o.clock,
		})
	default:
		return nil, &uderrors.BadArguments{Reason: "unknown transport descriptor kind " + string(t.Kind)}
	}
}

// launchClient locates and starts the external transport client the broker
// named in the descriptor (an RDP/SPICE/X2Go client, typically), searching
// PATH augmented with the well-known Homebrew locations on macOS.
func launchClient(t *descriptor.Transport) (types.Waiter, error) {
	searchPath := platform.AugmentPathForHomebrew(os.Getenv("PATH"))
	path := platform.FindExecutable(t.ClientExecutable, searchPath)
	if path == "" {
		return nil, &uderrors.BadArguments{Reason: "client executable " + t.ClientExecutable + " not found on PATH"}
	}

	cmd := exec.Command(path, t.ClientArgs...)
	if err := cmd.Start(); err != nil {
		return nil, &uderrors.TransportError{Cause: err}
	}
	return processWaiter{cmd.Process}, nil
}

// processWaiter adapts *os.Process's two-return Wait to the single-error
// Waiter the cleanup registry awaits.
type processWaiter struct {
	proc *os.Process
}

func (w processWaiter) Wait() error {
	_, err := w.proc.Wait()
	return err
}

// cleanup runs the six-step post-session sequence. Run calls it on a
// background goroutine and blocks until it has finished.
func (o *Orchestrator) cleanup(ctx context.Context, reg *cleanup.Registry, client *broker.Client, logDesc *types.LogDescriptor) {
	o.clock.Sleep(earlyStageGrace)
	unlinkAll(reg.EarlyStageFiles())

	for _, task := range reg.Tasks() {
		if err := task.Task.Wait(); err != nil {
			log.WithError(err).Debug("awaited cleanup task returned an error")
		}
	}

	o.clock.Sleep(lateStageGrace)
	unlinkAll(reg.LateStageFiles())

	reg.RunBeforeExit()

	if logDesc == nil || o.cfg.TailLog == nil {
		return
	}
	if err := client.SendLog(ctx, logDesc.Ticket, o.cfg.TailLog()); err != nil {
		log.WithError(err).Warn("failed to upload session log")
	}
}

func unlinkAll(files []types.RemovableFile) {
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", f.Path).Warn("failed to unlink cleanup file")
		}
	}
}

func (o *Orchestrator) reportAndExit(err error) int {
	log.WithError(err).Error("session failed")

	var badArgs *uderrors.BadArguments
	var notApproved *uderrors.EndpointNotApproved
	if errors.As(err, &badArgs) || errors.As(err, &notApproved) {
		return ExitBadArgs
	}
	return ExitRuntime
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
