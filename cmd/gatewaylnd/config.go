package gatewaylnd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

type LogLevel uint8

const (
	LOGLEVEL_INFO = LogLevel(iota + 1)
	LOGLEVEL_DEBUG
)

var (
	DefaultGatewayHost  = "localhost:42169"
	DefaultLndHost      = "localhost:10009"
	DefaultTlsCertPath  = filepath.Join(defaultLndDir, "tls.cert")
	DefaultMacaroonPath = filepath.Join(defaultLndDir, "data", "chain", "bitcoin", DefaultNetwork, "admin.macaroon")
	DefaultNetwork      = "signet"
	DefaultConfigFile   = filepath.Join(DefaultDatadir, "gateway.conf")
	DefaultDatadir      = btcutil.AppDataDir("lngateway", false)
	DefaultLogLevel     = LOGLEVEL_DEBUG
	DefaultPolicyFile   = filepath.Join(DefaultDatadir, "policy.conf")

	// DefaultRegistrationIntervalSeconds is the interval in which the
	// gateway re-announces itself to its federations.
	DefaultRegistrationIntervalSeconds uint64 = 600

	defaultLndDir = btcutil.AppDataDir("lnd", false)
)

// FederationConfig describes one federation the gateway serves: the
// federation id, the url of the guardian api and the short channel id of the
// virtual channel htlcs to the federation are routed over.
type FederationConfig struct {
	Id       string
	Endpoint string
	Scid     string
}

type GatewayConfig struct {
	Host       string   `long:"host" description:"host to listen on for grpc connections"`
	ConfigFile string   `long:"configfile" description:"path to configfile"`
	PolicyFile string   `long:"policyfile" description:"path to policyfile"`
	DataDir    string   `long:"datadir" description:"gateway datadir"`
	LogLevel   LogLevel `long:"loglevel" description:"loglevel (1=Info, 2=Debug)"`

	LndConfig *LndConfig `group:"Lnd Grpc config" namespace:"lnd"`

	Federations []string `long:"federation" description:"federation to serve in the form <id>,<guardian api url>,<virtual channel scid>; can be set multiple times"`

	RegistrationIntervalSeconds uint64 `long:"registrationinterval" description:"interval in seconds in which the gateway re-registers with its federations"`
}

func (p *GatewayConfig) String() string {
	var lndString string
	if p.LndConfig != nil {
		lndString = fmt.Sprintf("host: %s, macaroonpath %s, tlspath %s", p.LndConfig.LndHost, p.LndConfig.MacaroonPath, p.LndConfig.TlsCertPath)
	}

	if p.DataDir != DefaultDatadir && p.PolicyFile == DefaultPolicyFile {
		p.PolicyFile = filepath.Join(p.DataDir, "policy.conf")
	}

	return fmt.Sprintf("Host %s, ConfigFile %s, Datadir %s, Federations: %v, Lnd Config: %s", p.Host, p.ConfigFile, p.DataDir, p.Federations, lndString)
}

func (p *GatewayConfig) Validate() error {
	if len(p.Federations) == 0 {
		return fmt.Errorf("at least one federation must be configured")
	}
	if _, err := p.ParseFederations(); err != nil {
		return err
	}
	return nil
}

// ParseFederations parses the federation entries of the config.
func (p *GatewayConfig) ParseFederations() ([]*FederationConfig, error) {
	var feds []*FederationConfig
	for _, entry := range p.Federations {
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("could not parse federation entry %s, expected <id>,<guardian api url>,<scid>", entry)
		}
		feds = append(feds, &FederationConfig{
			Id:       strings.TrimSpace(parts[0]),
			Endpoint: strings.TrimSpace(parts[1]),
			Scid:     strings.TrimSpace(parts[2]),
		})
	}
	return feds, nil
}

type LndConfig struct {
	LndHost      string `long:"host" description:"host:port for lnd connection"`
	TlsCertPath  string `long:"tlscertpath" description:"path to the lnd TLS cert."`
	MacaroonPath string `long:"macaroonpath" description:"path to the macaroon (admin.macaroon or custom baked one)"`
}

func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:       DefaultGatewayHost,
		ConfigFile: DefaultConfigFile,
		PolicyFile: DefaultPolicyFile,
		DataDir:    DefaultDatadir,
		LndConfig: &LndConfig{
			LndHost:      DefaultLndHost,
			TlsCertPath:  DefaultTlsCertPath,
			MacaroonPath: DefaultMacaroonPath,
		},
		RegistrationIntervalSeconds: DefaultRegistrationIntervalSeconds,
		LogLevel:                    DefaultLogLevel,
	}
}
