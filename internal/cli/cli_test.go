// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/streamcheck/internal/cli"
	"github.com/united-manufacturing-hub/streamcheck/internal/pipelinetest"
	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/config"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

type report struct {
	Status    string `json:"status"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Scenarios []struct {
		Name     string `json:"name"`
		Passed   bool   `json:"passed"`
		Captured int    `json:"captured"`
	} `json:"scenarios"`
}

func execute(ctx context.Context, stdout, stderr *bytes.Buffer, args ...string) error {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(append(args, "--log-level", "WARN"))
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func initialsHarness(adminURL, expected string) config.HarnessConfig {
	cfg := config.Defaults()
	cfg.Admin.URL = adminURL
	cfg.Sink.BindAddress = "127.0.0.1"
	cfg.Sink.Port = 0
	cfg.Timeouts.Settle = 3 * time.Second
	cfg.Timeouts.StableFor = 50 * time.Millisecond
	cfg.Scenarios = []config.ScenarioConfig{{
		Name: "initials",
		Artifacts: []config.ArtifactConfig{
			{Kind: "stream", Name: pipelinetest.SensorStreamID, Body: pipelinetest.SensorStream()},
			{Kind: "stream", Name: pipelinetest.InitialStreamID, Body: pipelinetest.InitialStream()},
			{Kind: "processor", Name: "initial", Body: pipelinetest.ProcessorBody("initial", pipelinetest.SensorStreamID, pipelinetest.InitialStreamID, "charAt", 1, 0)},
			{Kind: "publisher", Name: "wire", Body: pipelinetest.PublisherBody("wire", pipelinetest.InitialStreamID, scenario.PlaceholderSinkAddress)},
		},
		Batches: []config.BatchConfig{{Events: []inject.Event{
			{StreamID: pipelinetest.SensorStreamID, Values: []string{"001", "Temperature", "23.4"}},
		}}},
		Expected: []config.RecordConfig{{
			StreamID: pipelinetest.InitialStreamID,
			Payload:  []config.ValueConfig{{Type: "string", Value: expected}},
		}},
	}}
	return cfg
}

func writeHarness(cfg config.HarnessConfig) string {
	data, err := yaml.Marshal(cfg)
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(GinkgoT().TempDir(), "streamcheck.yaml")
	Expect(os.WriteFile(path, data, 0o600)).To(Succeed())
	return path
}

var _ = Describe("streamcheck", func() {
	var (
		ctx            context.Context
		cancel         context.CancelFunc
		stdout, stderr *bytes.Buffer
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	})

	It("registers its commands and global flags", func() {
		root := cli.NewRootCommand()
		for _, name := range []string{"run", "selftest", "capture", "send"} {
			sub, _, err := root.Find([]string{name})
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Name()).To(Equal(name))
		}
		Expect(root.PersistentFlags().Lookup("config").DefValue).To(Equal(config.DefaultConfigPath))
		Expect(root.PersistentFlags().Lookup("format").DefValue).To(Equal("text"))
	})

	It("rejects an unknown report format", func() {
		err := execute(ctx, stdout, stderr, "selftest", "--format", "xml")
		Expect(cli.GetExitCode(err)).To(Equal(cli.ExitCommandError))
	})

	It("passes the built-in scenarios", func() {
		err := execute(ctx, stdout, stderr, "selftest", "--format", "json", "--restart-delay", "100ms")
		Expect(err).NotTo(HaveOccurred())

		var rep report
		Expect(json.Unmarshal(stdout.Bytes(), &rep)).To(Succeed())
		Expect(rep.Status).To(Equal("ok"))
		Expect(rep.Failed).To(BeZero())
		Expect(rep.Scenarios).To(HaveLen(len(pipelinetest.SelfTestScenarios())))
		Expect(rep.Scenarios[1].Captured).To(Equal(6))
	})

	Describe("run", func() {
		var srv *pipelinetest.Server

		BeforeEach(func() {
			srv = pipelinetest.NewServer(pipelinetest.WithLogger(zap.NewNop().Sugar()))
			DeferCleanup(srv.Close)
		})

		It("reports a passing harness file", func() {
			path := writeHarness(initialsHarness(srv.URL(), "T"))
			err := execute(ctx, stdout, stderr, "run", "-c", path)
			Expect(err).NotTo(HaveOccurred())
			Expect(stdout.String()).To(ContainSubstring("PASS  initials"))
			Expect(stdout.String()).To(ContainSubstring("1 passed, 0 failed"))
			Expect(srv.ActiveCount("publisher")).To(BeZero())
		})

		It("exits with a failure code when records differ", func() {
			path := writeHarness(initialsHarness(srv.URL(), "X"))
			err := execute(ctx, stdout, stderr, "run", "-c", path)
			Expect(cli.GetExitCode(err)).To(Equal(cli.ExitFailure))
			Expect(stdout.String()).To(ContainSubstring("FAIL  initials"))
		})

		It("exits with a command error for unknown scenarios", func() {
			path := writeHarness(initialsHarness(srv.URL(), "T"))
			err := execute(ctx, stdout, stderr, "run", "-c", path, "--scenario", "missing")
			Expect(cli.GetExitCode(err)).To(Equal(cli.ExitCommandError))
		})

		It("exits with a command error without a harness file", func() {
			err := execute(ctx, stdout, stderr, "run", "-c", filepath.Join(GinkgoT().TempDir(), "none.yaml"))
			Expect(cli.GetExitCode(err)).To(Equal(cli.ExitCommandError))
			Expect(err).To(MatchError(config.ErrNoConfig))
		})
	})

	It("sends JSON records to a sink", func() {
		sink, err := capture.Start(ctx, capture.SinkConfig{BindAddress: "127.0.0.1", Port: 0, Logger: zap.NewNop().Sugar()})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = sink.Stop(context.Background()) })

		path := filepath.Join(GinkgoT().TempDir(), "records.jsonl")
		Expect(os.WriteFile(path, []byte(
			`{"streamId":"Sensor.Initial:1.0.0","payloadData":[{"type":"string","value":"T"}]}`+"\n\n"+
				`{"streamId":"Sensor.Initial:1.0.0","payloadData":[{"type":"string","value":"W"}]}`+"\n"), 0o600)).To(Succeed())

		Expect(execute(ctx, stdout, stderr, "send", "--address", sink.Addr().String(), path)).To(Succeed())
		Expect(stdout.String()).To(ContainSubstring("sent 2 records"))
		Eventually(sink.Count).Should(Equal(2))
		Expect(sink.Records()[1].Payload).To(Equal([]wire.Value{wire.String("W")}))
	})

	It("captures until the requested count", func() {
		errOut := gbytes.NewBuffer()
		out := gbytes.NewBuffer()
		cmd := cli.NewRootCommand()
		cmd.SetArgs([]string{"capture", "--bind", "127.0.0.1", "--port", "0", "--count", "2", "--log-level", "WARN"})
		cmd.SetOut(out)
		cmd.SetErr(errOut)

		done := make(chan error, 1)
		go func() {
			done <- cmd.ExecuteContext(ctx)
		}()

		Eventually(errOut).Should(gbytes.Say(`listening on `))
		addr := regexp.MustCompile(`listening on (\S+)`).FindSubmatch(errOut.Contents())[1]

		pub := wire.NewPublisher(string(addr))
		Expect(pub.Connect(ctx)).To(Succeed())
		DeferCleanup(pub.Close)
		rec := wire.Record{StreamID: pipelinetest.LengthStreamID, Timestamp: 1, Payload: []wire.Value{wire.Int32(11)}}
		Expect(pub.Publish(ctx, rec, rec)).To(Succeed())

		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		Expect(string(out.Contents())).To(ContainSubstring(`"streamId":"Sensor.NameLength:1.0.0"`))
		Expect(errOut).To(gbytes.Say(`captured 2 records, 0 malformed frames`))
	})
})
