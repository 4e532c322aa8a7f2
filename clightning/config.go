package clightning

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	dbOption                   = "lngateway-db-path"
	policyPathOption           = "lngateway-policy-path"
	federationsOption          = "lngateway-federations"
	registrationIntervalOption = "lngateway-registration-interval"

	defaultRegistrationIntervalSeconds = 600
)

// FederationConfig describes one federation the gateway serves: the
// federation id, the url of the guardian api and the short channel id of the
// virtual channel htlcs to the federation are routed over.
type FederationConfig struct {
	Id       string
	Endpoint string
	Scid     string
}

// Config is the gateway plugin config, assembled from the plugin options.
type Config struct {
	DbPath               string
	PolicyPath           string
	Federations          []*FederationConfig
	RegistrationInterval time.Duration
}

func (c *Config) String() string {
	return fmt.Sprintf("dbpath: %s, policypath: %s, federations: %v, registrationinterval: %s",
		c.DbPath, c.PolicyPath, c.Federations, c.RegistrationInterval)
}

// RegisterOptions adds the gateway options to lightningd.
func (cl *ClightningClient) RegisterOptions() error {
	err := cl.Plugin.RegisterNewOption(dbOption, "path to the boltdb of the gateway", "")
	if err != nil {
		return err
	}
	err = cl.Plugin.RegisterNewOption(policyPathOption, "path to the policy file, if empty the default policy is used", "")
	if err != nil {
		return err
	}
	err = cl.Plugin.RegisterNewOption(federationsOption, "federations to serve in the form <id>,<guardian api url>,<virtual channel scid>; separate multiple federations with ';'", "")
	if err != nil {
		return err
	}
	err = cl.Plugin.RegisterNewOption(registrationIntervalOption, "interval in seconds in which the gateway re-registers with its federations", strconv.Itoa(defaultRegistrationIntervalSeconds))
	if err != nil {
		return err
	}
	return nil
}

// GetConfig reads the gateway config from the plugin options.
func (cl *ClightningClient) GetConfig() (*Config, error) {
	dbpath, err := cl.Plugin.GetOption(dbOption)
	if err != nil {
		return nil, err
	}
	if dbpath == "" {
		// The working dir of the plugin is the lightning dir of the
		// network in use.
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dbpath = filepath.Join(wd, "gateway")
	}
	if err := os.MkdirAll(dbpath, 0700); err != nil && err != os.ErrExist {
		return nil, err
	}

	policyPath, err := cl.Plugin.GetOption(policyPathOption)
	if err != nil {
		return nil, err
	}

	federationsString, err := cl.Plugin.GetOption(federationsOption)
	if err != nil {
		return nil, err
	}
	federations, err := parseFederations(federationsString)
	if err != nil {
		return nil, err
	}

	intervalString, err := cl.Plugin.GetOption(registrationIntervalOption)
	if err != nil {
		return nil, err
	}
	interval, err := strconv.Atoi(intervalString)
	if err != nil {
		return nil, fmt.Errorf("%s is not an int", registrationIntervalOption)
	}

	return &Config{
		DbPath:               dbpath,
		PolicyPath:           policyPath,
		Federations:          federations,
		RegistrationInterval: time.Duration(interval) * time.Second,
	}, nil
}

func parseFederations(raw string) ([]*FederationConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s must be set", federationsOption)
	}
	var feds []*FederationConfig
	for _, entry := range strings.Split(raw, ";") {
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
