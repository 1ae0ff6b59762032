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

// Command udsclient is the client-side entrypoint: it takes a udss:// URL
// handed to it by the browser, negotiates the session with its broker, and
// starts the transport the broker's descriptor names.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/kingpin"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/consts"
	"github.com/udsclient/gateway/lib/uds/logutils"
	"github.com/udsclient/gateway/lib/uds/orchestrator"
	"github.com/udsclient/gateway/lib/uds/trust"
)

var log = logrus.WithField("component", "uds:main")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("udsclient", "UDS Enterprise client gateway")
	app.HelpFlag.Short('h')

	minimal := app.Flag("minimal", "force minimal mode, skipping every interactive UI prompt").Bool()
	test := app.Flag("test", "exit immediately with success, without contacting any broker").Bool()
	debug := app.Flag("debug", "enable verbose logging and permit the unencrypted uds:// scheme").Bool()
	trustStorePath := app.Flag("trust-store", "path to the endpoint/certificate trust database").String()
	bundledCAPath := app.Flag("ca-bundle", "path to a CA bundle to use ahead of the system trust store").String()
	udsURL := app.Arg("uds-url", "the udss:// or uds:// URL passed by the browser").Required().String()

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return orchestrator.ExitBadArgs
	}

	logutils.Init(*debug)

	if *test {
		log.Info("--test given, exiting without contacting a broker")
		return orchestrator.ExitOK
	}

	storePath := *trustStorePath
	if storePath == "" {
		storePath = defaultTrustStorePath()
	}

	prompter := newPrompter(*minimal)

	o := orchestrator.New(orchestrator.Config{
		Debug:          *debug || os.Getenv(consts.DebugEnvVar) != "",
		Prompter:       prompter,
		TrustStorePath: storePath,
		BundledCAPath:  *bundledCAPath,
		OpenBrowser:    browser.OpenURL,
		TailLog:        logutils.Tail,
	})

	return o.Run(context.Background(), *udsURL, *minimal)
}

// defaultTrustStorePath returns the per-user location for the persistent
// trust database when --trust-store isn't given.
func defaultTrustStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "udsclient")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.WithError(err).Warn("could not create trust store directory, falling back to temp dir")
		dir = os.TempDir()
	}
	return filepath.Join(dir, "trust.db")
}

func newPrompter(minimal bool) trust.Prompter {
	if minimal {
		return minimalPrompter{}
	}
	return &consolePrompter{}
}

// minimalPrompter denies every interactive decision, matching minimal mode's
// contract of never blocking on user input.
type minimalPrompter struct{}

func (minimalPrompter) PromptEndpoint(string) bool            { return false }
func (minimalPrompter) PromptCertificate(string, string) bool { return false }

// consolePrompter asks the user on stdin/stdout, for the common case where
// the client was launched from a terminal rather than a browser handler.
type consolePrompter struct{}

func (consolePrompter) PromptEndpoint(host string) bool {
	return confirm(fmt.Sprintf("Trust broker %s for future sessions?", host))
}

func (consolePrompter) PromptCertificate(host, serialHex string) bool {
	return confirm(fmt.Sprintf("Certificate for %s (serial %s) could not be verified. Trust it anyway?", host, serialHex))
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return answer == "y" || answer == "Y" || answer == "yes"
}
