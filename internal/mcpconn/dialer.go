package mcpconn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Options selects and configures the transport to the tool server.
type Options struct {
	// Transport is "stdio" (local subprocess) or "http" (streamable HTTP).
	Transport string

	// Stdio transport.
	Command string
	Args    []string
	Env     []string

	// HTTP transport.
	ServerURL string
	SSLVerify bool

	// HTTPClientFactory overrides how the HTTP client is built, mainly so
	// SSLVerify can be honored. Nil uses a default factory.
	HTTPClientFactory func(sslVerify bool) *http.Client

	// DisconnectTimeout bounds Disconnect; zero means the default.
	DisconnectTimeout time.Duration
}

func (o Options) disconnectTimeoutOrDefault() time.Duration {
	if o.DisconnectTimeout > 0 {
		return o.DisconnectTimeout
	}
	return DefaultDisconnectTimeout
}

func defaultHTTPClientFactory(sslVerify bool) *http.Client {
	httpClient := &http.Client{}
	if !sslVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return httpClient
}

// mcpSession adapts the MCP client to the session interface.
type mcpSession struct {
	c *client.Client
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s failed: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

func (s *mcpSession) Close() error {
	return s.c.Close()
}

// newMCPDialFunc returns the handshake for the configured transport: open
// the channel, initialize the protocol, and discover the tool set.
func newMCPDialFunc(opts Options) dialFunc {
	return func(ctx context.Context) (session, []ToolDefinition, error) {
		var (
			c   *client.Client
			err error
		)

		switch opts.Transport {
		case "stdio":
			if opts.Command == "" {
				return nil, nil, fmt.Errorf("stdio transport requires a command")
			}
			c, err = client.NewStdioMCPClient(opts.Command, opts.Env, opts.Args...)
			if err != nil {
				return nil, nil, fmt.Errorf("spawning tool server: %w", err)
			}
		case "http", "streamable-http", "":
			if opts.ServerURL == "" {
				return nil, nil, fmt.Errorf("http transport requires a server URL")
			}
			factory := opts.HTTPClientFactory
			if factory == nil {
				factory = defaultHTTPClientFactory
			}
			c, err = client.NewStreamableHttpClient(opts.ServerURL,
				transport.WithHTTPBasicClient(factory(opts.SSLVerify)))
			if err != nil {
				return nil, nil, fmt.Errorf("creating http client: %w", err)
			}
			if err := c.Start(ctx); err != nil {
				c.Close()
				return nil, nil, fmt.Errorf("starting http transport: %w", err)
			}
		default:
			return nil, nil, fmt.Errorf("unknown transport: %s", opts.Transport)
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{
			Name:    "k8sops",
			Version: "0.1.0",
		}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("initializing protocol: %w", err)
		}

		listResult, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("listing tools: %w", err)
		}

		tools := make([]ToolDefinition, 0, len(listResult.Tools))
		for _, t := range listResult.Tools {
			schema := make(map[string]any)
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(raw, &schema)
			}
			tools = append(tools, ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}

		return &mcpSession{c: c}, tools, nil
	}
}
