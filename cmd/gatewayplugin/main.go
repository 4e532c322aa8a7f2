package main

import (
	"context"
	"fmt"
	glog "log"
	"os"
	"path/filepath"
	"time"

	"github.com/fedimint/lngateway/clightning"
	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/log"
	"github.com/fedimint/lngateway/policy"
	"github.com/fedimint/lngateway/swap"
	"github.com/fedimint/lngateway/version"
	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

var GitCommit string

const (
	minClnVersion = "23.11"

	// contractPollInterval is the time between polls of the federations
	// for funded outgoing contracts.
	contractPollInterval = 10 * time.Second
)

func main() {
	mlog := glog.New(os.Stderr, "", glog.LstdFlags|glog.LUTC)

	// In order to receive panics, we write to stderr to a file
	closeFileFunc, err := setPanicLogger()
	if err != nil {
		mlog.Println(err.Error())
		os.Exit(1)
	}
	defer closeFileFunc()

	if err := outer(); err != nil {
		mlog.Println(err.Error())
		os.Exit(1)
	}
}

func outer() error {
	// Main context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the gateway plugin, check in with core lightning.
	plugin, initCh, err := clightning.NewClightningClient(ctx)
	if err != nil {
		return err
	}

	err = plugin.RegisterOptions()
	if err != nil {
		return err
	}

	err = plugin.RegisterMethods()
	if err != nil {
		return err
	}

	// Glightning `Start()` is a blocking call. If this returns the server is
	// shutdown -> cancel main runtime context.
	go func() {
		ierr := plugin.Start()
		if ierr != nil {
			ctx = context.WithValue(ctx, "ierr", ierr)
		}
		cancel()
	}()
	// Wait for the plugin to be initialized.
	<-initCh

	// Now we can set the logger to the core lightning log. From here on we
	// can use the log in all inner and the rest of this routine.
	log.SetLogger(clightning.NewGlightningLogger(plugin.Plugin))

	// Start the gateway.
	err = run(ctx, plugin)
	if err != nil {
		log.Infof("Exited with error: %s", err.Error())
	}

	// Wait for context to be done and check if the context has collected any
	// errors, pass this error back to the main routine.
	<-ctx.Done()
	if ierr, ok := ctx.Value("ierr").(error); ok {
		return ierr
	}

	return nil
}

func run(ctx context.Context, lightningPlugin *clightning.ClightningClient) error {
	log.Infof("LN gateway starting up with commit %s", GitCommit)
	log.Infof("DB version: %s", version.GetCurrentVersion())

	config, err := lightningPlugin.GetConfig()
	if err != nil {
		log.Infof("Could not read config: %s", err.Error())
		return err
	}
	log.Debugf("Starting with config: %s", config)

	log.Infof("Using core-lightning version %s", lightningPlugin.Version())
	ok, err := version.CompareVersionStrings(lightningPlugin.Version(), minClnVersion)
	if err != nil {
		log.Debugf("Could not compare version: %s", err.Error())
		return err
	}
	if !ok {
		log.Infof("Core-lightning version %s is not supported, min version is %s", lightningPlugin.Version(), minClnVersion)
		return fmt.Errorf("core-lightning version %s is incompatible", lightningPlugin.Version())
	}

	// federation clients
	federations := map[string]swap.FederationClient{}
	scidToFederation := map[string]string{}
	var gatewayScids []string
	for _, fc := range config.Federations {
		federations[fc.Id] = federation.NewRpcClient(fc.Id, fc.Endpoint)
		scid := lightning.Scid(fc.Scid).ClnStyle()
		scidToFederation[scid] = fc.Id
		gatewayScids = append(gatewayScids, scid)
	}

	// db
	swapDb, err := bbolt.Open(filepath.Join(config.DbPath, "swaps"), 0700, nil)
	if err != nil {
		return err
	}

	// policy
	pol, err := policy.CreateFromFile(config.PolicyPath)
	if err != nil {
		return err
	}
	log.Infof("using policy:\n%s", pol)

	// Swap store.
	swapStore, err := swap.NewBboltStore(swapDb)
	if err != nil {
		return err
	}

	swapServices := swap.NewSwapServices(swapStore, lightningPlugin, pol, federations)
	swapService := swap.NewSwapService(ctx, swapServices, scidToFederation)

	lightningPlugin.SetupClients(swapService, gatewayScids)

	// Try to upgrade version if needed
	versionService, err := version.NewVersionService(swapDb)
	if err != nil {
		return err
	}
	err = versionService.SafeUpgrade(swapService)
	if err != nil {
		return err
	}

	// From here on held htlcs replayed by lightningd reach the swap engine,
	// the recovery reconciles the stored swaps against them.
	lightningPlugin.SetReady()

	err = swapService.RecoverSwaps()
	if err != nil {
		return err
	}

	swapService.StartRegistrationLoop(config.RegistrationInterval)
	swapService.StartContractPollLoop(contractPollInterval)

	log.Infof("gateway initialized, serving %d federation(s)", len(federations))

	// Wait for context to finish up
	<-ctx.Done()
	return nil
}

// setPanicLogger duplicates calls to Stderr to a file in the lightning gateway directory
func setPanicLogger() (func() error, error) {
	// Get working directory ("default is ~/.lightning/<network>")
	wd, err := os.Getwd()
	if err != nil {
		log.Infof("Cannot get working directory, error: %s", err)
		os.Exit(1)
	}

	newpath := filepath.Join(wd, "gateway")

	err = os.MkdirAll(newpath, os.ModePerm)
	if err != nil {
		return nil, err
	}

	panicLogFile, err := os.OpenFile(filepath.Join(wd, "gateway/gateway-panic-log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	_, err = panicLogFile.WriteString("\n\nServer started " + time.Now().UTC().Format(time.RFC3339) + "\n")
	if err != nil {
		return nil, err
	}
	err = panicLogFile.Sync()
	if err != nil {
		return nil, err
	}

	err = unix.Dup2(int(panicLogFile.Fd()), int(os.Stderr.Fd()))
	if err != nil {
		return nil, err
	}

	return panicLogFile.Close, nil
}
