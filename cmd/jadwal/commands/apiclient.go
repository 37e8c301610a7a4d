package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
)

// apiClient talks to a running `jadwal serve`, which owns the WhatsApp
// connection of the deployment.
type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient(cfg *config.AppConfig, server string) (*apiClient, error) {
	c := &apiClient{
		base:   strings.TrimRight(serverURL(cfg, server), "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
	if cfg.Web.Secret != "" {
		token, err := webserver.IssueToken(cfg.Web.Secret, "cli", 5*time.Minute)
		if err != nil {
			return nil, err
		}
		c.token = token
	}
	return c, nil
}

func serverURL(cfg *config.AppConfig, server string) string {
	if server != "" {
		return server
	}
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Web.Port)
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// call sends a request to /api/v1 and returns the "data" member of the answer.
func (c *apiClient) call(ctx context.Context, method, path string, body interface{}) (interface{}, error) {
	g := gout.New(c.client)
	url := c.base + "/api/v1" + path
	flow := g.GET(url)
	if method == http.MethodPost {
		flow = g.POST(url)
		if body != nil {
			flow = flow.SetJSON(body)
		}
	}
	headers := gout.H{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	var resp map[string]interface{}
	var code int
	err := flow.WithContext(ctx).SetHeader(headers).BindJSON(&resp).Code(&code).Do()
	if err != nil {
		return nil, err
	}
	if code >= http.StatusBadRequest {
		e := &apiError{Status: code}
		e.Code, _ = resp["error"].(string)
		e.Message, _ = resp["message"].(string)
		return nil, e
	}
	return resp["data"], nil
}
