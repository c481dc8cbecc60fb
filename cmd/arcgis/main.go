package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/arcgis-client/arcgis"
	"github.com/alexjbarnes/arcgis-client/internal/config"
	"github.com/alexjbarnes/arcgis-client/internal/logging"
	"github.com/urfave/cli"
)

var Version = "dev"

// session is the state shared by every subcommand.
type session struct {
	ctx     context.Context
	gateway *arcgis.Gateway
	out     io.Writer
}

var sess session

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(ctx, os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp(ctx context.Context, out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "arcgis"
	app.Usage = "query and administer an ArcGIS Server site"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "YAML config file; environment variables are used when empty",
		},
		cli.BoolFlag{
			Name:  "discover",
			Usage: "pick the token provider from the server's rest/info",
		},
	}
	app.Commands = []cli.Command{
		infoCommand,
		healthCommand,
		siteCommand,
		countCommand,
		queryCommand,
		geocodeCommand,
		searchCommand,
		statusCommand,
		startCommand,
		stopCommand,
		exportCommand,
	}
	app.Before = func(c *cli.Context) error {
		if c.NArg() == 0 || c.Args().First() == "help" {
			return nil
		}

		g, err := openGateway(ctx, c.String("config"), c.Bool("discover"))
		if err != nil {
			return err
		}

		sess = session{ctx: ctx, gateway: g, out: out}

		return nil
	}
	app.After = func(c *cli.Context) error {
		if sess.gateway != nil {
			return sess.gateway.Close()
		}

		return nil
	}

	return app
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load()
}

func openGateway(ctx context.Context, configPath string, discover bool) (*arcgis.Gateway, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if !discover {
		return arcgis.NewGatewayFromConfig(cfg)
	}

	opts := []arcgis.Option{
		arcgis.WithLogger(logging.NewLoggerTo(os.Stderr, cfg.Environment, cfg.LogLevel)),
		arcgis.WithTimeout(cfg.RequestTimeout),
		arcgis.WithMaxGetRequestLength(cfg.MaxGetLength),
		arcgis.WithConcurrency(cfg.Concurrency),
		arcgis.WithTokenExpiration(cfg.TokenExpiration),
	}

	if cfg.Referer != "" {
		opts = append(opts, arcgis.WithReferer(cfg.Referer))
	}

	g, err := arcgis.NewGatewayFromServerInfo(ctx, cfg.RootURL, cfg.Username, cfg.Password, opts...)
	if err != nil {
		return nil, fmt.Errorf("discovering token provider: %w", err)
	}

	return g, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// requireArgs returns the first n positional arguments or a usage error.
func requireArgs(c *cli.Context, n int) ([]string, error) {
	if c.NArg() < n {
		return nil, fmt.Errorf("%s: expected %s", c.Command.Name, c.Command.ArgsUsage)
	}

	return c.Args()[:n], nil
}

// parseService splits Folder/Name.Type into a service reference.
func parseService(arg string) (arcgis.ServiceRef, error) {
	i := strings.LastIndex(arg, ".")
	if i <= 0 || i == len(arg)-1 {
		return arcgis.ServiceRef{}, fmt.Errorf("service %q must look like Folder/Name.MapServer", arg)
	}

	return arcgis.ServiceRef{Name: arg[:i], Type: arg[i+1:]}, nil
}

var infoCommand = cli.Command{
	Name:  "info",
	Usage: "print the server version and token settings",
	Action: func(c *cli.Context) error {
		info, err := sess.gateway.Info(sess.ctx)
		if err != nil {
			return err
		}

		return printJSON(sess.out, info)
	},
}

var healthCommand = cli.Command{
	Name:  "health",
	Usage: "run the server health check",
	Action: func(c *cli.Context) error {
		resp, err := sess.gateway.HealthCheck(sess.ctx)
		if err != nil {
			return err
		}

		if !resp.Success {
			return errors.New("server reported unhealthy")
		}

		fmt.Fprintln(sess.out, "ok")

		return nil
	},
}

var siteCommand = cli.Command{
	Name:  "site",
	Usage: "list every folder and service of the site",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "describe",
			Usage: "also fetch each service description",
		},
	},
	Action: func(c *cli.Context) error {
		site, err := sess.gateway.DescribeSite(sess.ctx)
		if err != nil {
			return err
		}

		for _, r := range site.Resources {
			if r.Error != nil {
				fmt.Fprintf(os.Stderr, "warning: %s: %v\n", r.Path, r.Error)
			}
		}

		if !c.Bool("describe") {
			return printJSON(sess.out, site.Services())
		}

		descs, err := sess.gateway.DescribeServices(sess.ctx, site.Services())
		if err != nil {
			return err
		}

		return printJSON(sess.out, descs)
	},
}

var countCommand = cli.Command{
	Name:      "count",
	Usage:     "count the features of a layer",
	ArgsUsage: "<Service/FeatureServer/0> [where]",
	Action: func(c *cli.Context) error {
		q, err := layerQuery(c)
		if err != nil {
			return err
		}

		n, err := sess.gateway.QueryForCount(sess.ctx, q)
		if err != nil {
			return err
		}

		fmt.Fprintln(sess.out, n)

		return nil
	},
}

var queryCommand = cli.Command{
	Name:      "query",
	Usage:     "fetch every matching feature of a layer, following transfer limits",
	ArgsUsage: "<Service/FeatureServer/0> [where]",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "fields",
			Value: "*",
			Usage: "comma separated output fields",
		},
		cli.BoolFlag{
			Name:  "no-geometry",
			Usage: "omit feature geometry",
		},
	},
	Action: func(c *cli.Context) error {
		q, err := layerQuery(c)
		if err != nil {
			return err
		}

		q.OutFields = strings.Split(c.String("fields"), ",")
		q.ReturnGeometry = !c.Bool("no-geometry")

		resp, err := sess.gateway.BatchQuery(sess.ctx, q)
		if err != nil {
			return err
		}

		return printJSON(sess.out, resp.Features)
	},
}

func layerQuery(c *cli.Context) (*arcgis.Query, error) {
	args, err := requireArgs(c, 1)
	if err != nil {
		return nil, err
	}

	layer, err := arcgis.ServerEndpoint(args[0])
	if err != nil {
		return nil, err
	}

	q := arcgis.NewQuery(layer)
	if where := c.Args().Get(1); where != "" {
		q.Where = where
	}

	return q, nil
}

var geocodeCommand = cli.Command{
	Name:      "geocode",
	Usage:     "find address candidates",
	ArgsUsage: "<Locator/GeocodeServer> <address>",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "max",
			Value: 5,
			Usage: "maximum number of candidates",
		},
	},
	Action: func(c *cli.Context) error {
		args, err := requireArgs(c, 2)
		if err != nil {
			return err
		}

		locator, err := arcgis.ServerEndpoint(args[0])
		if err != nil {
			return err
		}

		resp, err := sess.gateway.Geocode(sess.ctx, &arcgis.GeocodeRequest{
			Locator:      locator,
			SingleLine:   args[1],
			MaxLocations: c.Int("max"),
		})
		if err != nil {
			return err
		}

		return printJSON(sess.out, resp.Candidates)
	},
}

var searchCommand = cli.Command{
	Name:      "search",
	Usage:     "list hosted feature services of a portal user",
	ArgsUsage: "[username]",
	Action: func(c *cli.Context) error {
		resp, err := sess.gateway.SearchHostedFeatureServices(sess.ctx, c.Args().First())
		if err != nil {
			return err
		}

		return printJSON(sess.out, resp.Results)
	},
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "print the configured and real time state of a service",
	ArgsUsage: "<Folder/Name.Type>",
	Action: func(c *cli.Context) error {
		svc, err := serviceArg(c)
		if err != nil {
			return err
		}

		resp, err := sess.gateway.ServiceStatus(sess.ctx, svc)
		if err != nil {
			return err
		}

		return printJSON(sess.out, resp)
	},
}

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "start a service",
	ArgsUsage: "<Folder/Name.Type>",
	Action: func(c *cli.Context) error {
		svc, err := serviceArg(c)
		if err != nil {
			return err
		}

		resp, err := sess.gateway.StartService(sess.ctx, svc)
		if err != nil {
			return err
		}

		fmt.Fprintln(sess.out, resp.Status)

		return nil
	},
}

var stopCommand = cli.Command{
	Name:      "stop",
	Usage:     "stop a service",
	ArgsUsage: "<Folder/Name.Type>",
	Action: func(c *cli.Context) error {
		svc, err := serviceArg(c)
		if err != nil {
			return err
		}

		resp, err := sess.gateway.StopService(sess.ctx, svc)
		if err != nil {
			return err
		}

		fmt.Fprintln(sess.out, resp.Status)

		return nil
	},
}

func serviceArg(c *cli.Context) (arcgis.ServiceRef, error) {
	args, err := requireArgs(c, 1)
	if err != nil {
		return arcgis.ServiceRef{}, err
	}

	return parseService(args[0])
}

var exportCommand = cli.Command{
	Name:      "export",
	Usage:     "render a map image and save it",
	ArgsUsage: "<Service/MapServer> <dir>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "format",
			Value: "png",
			Usage: "image format",
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "file name without extension; random when empty",
		},
	},
	Action: func(c *cli.Context) error {
		args, err := requireArgs(c, 2)
		if err != nil {
			return err
		}

		service, err := arcgis.ServerEndpoint(args[0])
		if err != nil {
			return err
		}

		req := arcgis.NewExportMap(service)
		req.Format = c.String("format")

		resp, err := sess.gateway.ExportMap(sess.ctx, req)
		if err != nil {
			return err
		}

		path, err := sess.gateway.DownloadExportMap(sess.ctx, resp, args[1], c.String("name"))
		if err != nil {
			return err
		}

		fmt.Fprintln(sess.out, path)

		return nil
	},
}
