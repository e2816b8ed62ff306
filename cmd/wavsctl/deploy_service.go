package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

type deployServiceResult struct {
	Name string
	Hash string
	Manager string
}

func (r deployServiceResult) String() string {
	s := fmt.Sprintf("Service %q deployed\n\nHash (content address): \n%s", r.Name, r.Hash)
	if r.Manager != "" {
		s += fmt.Sprintf("\n\nRegistered against service manager: \n%s", r.Manager)
	}
	return s
}

// deployService reads a service definition JSON file, saves it to the node
// (POST /save-service) for its content-addressed hash, and — if a service
// manager is given — registers it for execution (POST /app), then records
// the outcome in the local deployment file.
func (c *cliContext) deployService(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy-service", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	servicePath := fs.String("service", "", "path to the service definition JSON file (required)")
	chainName := fs.String("chain", "", "chain key of the service manager to register against, e.g. evm:1")
	managerAddr := fs.String("service-manager", "", "service manager contract address to register against")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *servicePath == "" {
		return usageError(errors.New("--service is required"))
	}
	if (*chainName == "") != (*managerAddr == "") {
		return usageError(errors.New("--chain and --service-manager must be given together"))
	}

	serviceJSON, err := os.ReadFile(*servicePath)
	if err != nil {
		return fmt.Errorf("read service definition %q: %w", *servicePath, err)
	}
	var svcForName struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(serviceJSON, &svcForName); err != nil {
		return fmt.Errorf("decode service definition %q: %w", *servicePath, err)
	}

	saveResp, err := c.client.requestRaw(ctx, http.MethodPost, "/save-service", bytes.NewReader(serviceJSON), "application/json")
	if err != nil {
		return err
	}
	var saved struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(saveResp, &saved); err != nil {
		return fmt.Errorf("decode save-service response: %w", err)
	}

	if *managerAddr != "" {
		_, err := c.client.requestJSON(ctx, http.MethodPost, "/app", addServiceRequest{
			ServiceManager: serviceManagerRequest{ChainName: *chainName, Address: *managerAddr},
		})
		if err != nil {
			return err
		}
	}

	if c.saveDeployment {
		dep, err := loadDeployment(c.home)
		if err != nil {
			return err
		}
		dep.Services[svcForName.Name] = deployedService{
			Hash:           saved.Hash,
			ChainName:      *chainName,
			ManagerAddress: *managerAddr,
		}
		if err := dep.save(c.home); err != nil {
			return err
		}
	}

	if c.jsonOut {
		prettyPrint(saveResp)
		return nil
	}
	c.report(deployServiceResult{Name: svcForName.Name, Hash: saved.Hash, Manager: *managerAddr})
	return nil
}

type serviceManagerRequest struct {
	ChainName string `json:"chain_name"`
	Address   string `json:"address"`
}

type addServiceRequest struct {
	ServiceManager serviceManagerRequest `json:"service_manager"`
}
