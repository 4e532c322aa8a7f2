package main

import (
	"context"
	"fmt"
	"io"
	core_log "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fedimint/lngateway/cmd/gatewaylnd"
	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/lnd"
	"github.com/fedimint/lngateway/log"
	"github.com/fedimint/lngateway/policy"
	"github.com/fedimint/lngateway/swap"
	"github.com/fedimint/lngateway/version"
	"github.com/jessevdk/go-flags"
	"go.etcd.io/bbolt"
)

var GitCommit string

// contractPollInterval is the time between polls of the federations for
// funded outgoing contracts.
const contractPollInterval = 10 * time.Second

func main() {
	err := run()
	if err != nil {
		core_log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer close(shutdown)
		sig := <-sigChan
		log.Infof("received signal: %v, release shutdown", sig)
		cancel()
	}()

	// load config
	cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}
	err = cfg.Validate()
	if err != nil {
		return err
	}

	logger, closeFunc, err := NewLndLogger(cfg)
	if err != nil {
		return err
	}
	defer closeFunc()
	log.SetLogger(logger)

	log.Infof("LN gateway starting up with commit %s and cfg: %s", GitCommit, cfg)
	log.Infof("DB version: %s", version.GetCurrentVersion())

	// setup lnd connection
	cc, err := lnd.GetClientConnection(ctx, cfg.LndConfig)
	if err != nil {
		return err
	}
	defer cc.Close()

	err = lnd.WaitForReady(cc, 30*time.Second)
	if err != nil {
		return err
	}

	// federation clients
	fedConfigs, err := cfg.ParseFederations()
	if err != nil {
		return err
	}
	federations := map[string]swap.FederationClient{}
	scidToFederation := map[string]string{}
	var gatewayScids []string
	for _, fc := range fedConfigs {
		federations[fc.Id] = federation.NewRpcClient(fc.Id, fc.Endpoint)
		scid := lightning.Scid(fc.Scid).ClnStyle()
		scidToFederation[scid] = fc.Id
		gatewayScids = append(gatewayScids, scid)
	}

	interceptor := lnd.NewHtlcInterceptor(ctx, cc, gatewayScids)
	defer interceptor.Stop()

	lndClient, err := lnd.NewClient(ctx, cc, interceptor)
	if err != nil {
		return err
	}

	// db
	swapDb, err := bbolt.Open(filepath.Join(cfg.DataDir, "swaps"), 0700, nil)
	if err != nil {
		return err
	}

	// policy
	pol, err := policy.CreateFromFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	log.Infof("using policy:\n%s", pol)

	// setup swap services
	swapStore, err := swap.NewBboltStore(swapDb)
	if err != nil {
		return err
	}
	swapServices := swap.NewSwapServices(swapStore, lndClient, pol, federations)
	swapService := swap.NewSwapService(ctx, swapServices, scidToFederation)

	// Try to upgrade version if needed
	versionService, err := version.NewVersionService(swapDb)
	if err != nil {
		return err
	}
	err = versionService.SafeUpgrade(swapService)
	if err != nil {
		return err
	}

	// Open the interceptor stream before recovering, lnd replays held htlcs
	// on it and the recovery reconciles against them.
	interceptor.AddHandler(swapService.OnHtlcIntercepted)
	err = interceptor.Start()
	if err != nil {
		return err
	}

	err = swapService.RecoverSwaps()
	if err != nil {
		return err
	}

	registrationInterval := time.Duration(cfg.RegistrationIntervalSeconds) * time.Second
	swapService.StartRegistrationLoop(registrationInterval)
	swapService.StartContractPollLoop(contractPollInterval)

	log.Infof("gateway initialized, serving %d federation(s)", len(federations))

	<-shutdown
	return nil
}

func loadConfig() (*gatewaylnd.GatewayConfig, error) {
	cfg := gatewaylnd.DefaultConfig()
	parser := flags.NewParser(cfg, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		fileParser := flags.NewParser(cfg, flags.Default|flags.IgnoreUnknown)
		err = flags.NewIniParser(fileParser).ParseFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
	}

	flagParser := flags.NewParser(cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, err
	}

	err = makeDirectories(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func makeDirectories(fullDir string) error {
	err := os.MkdirAll(fullDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		err := fmt.Errorf("failed to create directory %v: %v", fullDir,
			err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		return err
	}

	return nil
}

type LndLogger struct {
	loglevel gatewaylnd.LogLevel
}

func NewLndLogger(cfg *gatewaylnd.GatewayConfig) (*LndLogger, func() error, error) {
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, err
	}
	w := io.MultiWriter(os.Stdout, logFile)
	core_log.SetFlags(core_log.LstdFlags | core_log.LUTC)
	core_log.SetOutput(w)

	return &LndLogger{loglevel: cfg.LogLevel}, logFile.Close, nil
}

func (l *LndLogger) Infof(format string, v ...interface{}) {
	core_log.Printf("[INFO] "+format, v...)
}

func (l *LndLogger) Debugf(format string, v ...interface{}) {
	if l.loglevel == gatewaylnd.LOGLEVEL_DEBUG {
		core_log.Printf("[DEBUG] "+format, v...)
	}
}
