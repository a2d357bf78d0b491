package main

import (
	_ "net/http/pprof"
	"os"
	"path/filepath"

	golog "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/auth"
	"github.com/textileio/candle-auction/chain"
	"github.com/textileio/candle-auction/cmd/candled/httpapi"
	"github.com/textileio/candle-auction/cmd/candled/metrics"
	"github.com/textileio/candle-auction/cmd/candled/service"
	"github.com/textileio/candle-auction/cmd/common"
	"github.com/textileio/candle-auction/entropy"
	"github.com/textileio/candle-auction/finalizer"
	"github.com/textileio/candle-auction/msgbroker/gpubsub"
	"github.com/textileio/candle-auction/reward"
)

var (
	daemonName      = "candled"
	defaultRepoPath = filepath.Join(os.Getenv("HOME"), "."+daemonName)
	log             = golog.Logger(daemonName)
	v               = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "repo-path", DefValue: defaultRepoPath, Description: "Repo path backing the auction store"},
		{Name: "http-addr", DefValue: ":8889", Description: "HTTP API listen address"},
		{Name: "clock-addr", DefValue: "", Description: "Tick clock JSON-RPC API address"},
		{Name: "beacon-addr", DefValue: "", Description: "Randomness beacon JSON-RPC API address"},
		{Name: "relay-addr", DefValue: "", Description: "Reward relay JSON-RPC API address"},
		{Name: "auth-secret", DefValue: "", Description: "Secret used to verify bidder tokens"},
		{Name: "randomness-delay", DefValue: auction.DefaultRandomnessDelay,
			Description: "Default ticks to wait after an ending period before drawing randomness"},
		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "msgbroker-topic-prefix", DefValue: "", Description: "Topic prefix to use for msg broker topics"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "CANDLE", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "candled runs candle auctions clocked by chain ticks",
	Long:  "candled runs candle auctions clocked by chain ticks",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			"candled",
			"candled/api",
			"candled/service",
			"candled/store",
			"candle",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := common.MarshalConfig(v, "auth-secret", "gpubsub-api-key")
		common.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))

		err = common.SetupInstrumentation(v.GetString("metrics-addr"))
		common.CheckErrf("booting instrumentation: %v", err)

		fin := finalizer.NewFinalizer()

		clock, err := chain.New(v.GetString("clock-addr"))
		common.CheckErrf("dialing tick clock: %v", err)
		fin.Add(clock)

		beacon, err := entropy.NewBeacon(v.GetString("beacon-addr"))
		common.CheckErrf("dialing randomness beacon: %v", err)
		fin.Add(beacon)

		relay, err := reward.NewRelay(v.GetString("relay-addr"))
		common.CheckErrf("dialing reward relay: %v", err)
		fin.Add(relay)

		projectID := v.GetString("gpubsub-project-id")
		apiKey := v.GetString("gpubsub-api-key")
		topicPrefix := v.GetString("msgbroker-topic-prefix")
		mb, err := gpubsub.New(projectID, apiKey, topicPrefix, daemonName)
		common.CheckErrf("creating google pubsub client: %v", err)
		fin.Add(mb)
		mb.InitMetrics(metrics.Meter)

		authorizer, err := auth.NewAuthorizer(v.GetString("auth-secret"))
		common.CheckErrf("creating authorizer: %v", err)

		config := service.Config{
			RepoPath:        v.GetString("repo-path"),
			RandomnessDelay: v.GetUint64("randomness-delay"),
		}
		serv, err := service.New(config, clock, beacon, relay, mb)
		common.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		server, err := httpapi.NewServer(v.GetString("http-addr"), serv, authorizer)
		common.CheckErrf("creating http api: %v", err)
		fin.Add(server)

		common.HandleInterrupt(func() {
			common.CheckErr(fin.Cleanupf("closing candled: %v", nil))
		})
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
