package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"zipline/internal/api"
	"zipline/internal/config"
)

type commandContext struct {
	configFlag    *string
	apiFlag       *string
	requesterFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, apiFlag, requesterFlag *string) *commandContext {
	return &commandContext{
		configFlag:    configFlag,
		apiFlag:       apiFlag,
		requesterFlag: requesterFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) requester() string {
	if c.requesterFlag != nil {
		if value := strings.TrimSpace(*c.requesterFlag); value != "" {
			return value
		}
	}
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	return "cli"
}

func (c *commandContext) apiBind() string {
	if c.apiFlag != nil {
		if value := strings.TrimSpace(*c.apiFlag); value != "" {
			return value
		}
	}
	if c.config != nil {
		return c.config.Paths.APIBind
	}
	return ""
}

func (c *commandContext) client() (*api.Client, error) {
	bind := c.apiBind()
	if bind == "" {
		return nil, errors.New("no daemon address: set paths.api_bind or pass --api")
	}
	opts := []api.ClientOption{api.WithRequester(c.requester())}
	if c.config != nil && c.config.Paths.APIToken != "" {
		opts = append(opts, api.WithToken(c.config.Paths.APIToken))
	}
	return api.NewClient(bind, opts...)
}

func (c *commandContext) withClient(fn func(*api.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return wrapAPIError(fn(client), c.apiBind())
}

func wrapAPIError(err error, bind string) error {
	if err == nil {
		return nil
	}
	if api.IsUnavailable(err) {
		return fmt.Errorf("connect to daemon at %s: not reachable; start it with `zipline serve` or ziplined", bind)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
