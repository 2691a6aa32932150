package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/config"
	"github.com/corvusdb/corvusdb/internal/optimizer"
	"github.com/corvusdb/corvusdb/internal/plan"
)

var (
	configPath  string
	catalogPath string
)

// catalogEntry is the on-disk shape of one collection definition.
type catalogEntry struct {
	Name    string `json:"name"`
	Shards  int    `json:"shards"`
	Indexes []struct {
		Name    string     `json:"name"`
		Type    string     `json:"type"`
		Fields  [][]string `json:"fields"`
		GeoJSON bool       `json:"geoJson"`
	} `json:"indexes"`
}

func loadCatalog(path string) (*collection.Registry, error) {
	reg := collection.NewRegistry()
	if path == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalog %q", path)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing catalog %q", path)
	}
	for _, e := range entries {
		col := collection.NewCollection(e.Name)
		if e.Shards > 0 {
			col.ShardCount = e.Shards
		}
		for _, idx := range e.Indexes {
			col.AddIndex(&collection.Index{
				Name:    idx.Name,
				Type:    collection.IndexType(idx.Type),
				Fields:  idx.Fields,
				GeoJSON: idx.GeoJSON,
			})
		}
		reg.Add(col)
	}
	return reg, nil
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func loadPlan(path string) (*plan.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading plan %q", path)
	}
	p, err := plan.UnmarshalPlan(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing plan %q", path)
	}
	return p, nil
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Logging.Level)
	}
	log.SetLevel(level)
	return log, nil
}

func printCosts(p *plan.Plan) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCOST\tITEMS")
	for _, n := range p.Nodes() {
		cost, items := n.EstimateCost()
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%d\n", n.ID(), n.Type(), cost, items)
	}
	return w.Flush()
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	resolver, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}
	p, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	opt, err := optimizer.New(cfg.Optimizer.PoolSize, log)
	if err != nil {
		return err
	}
	defer opt.Close()

	results, err := opt.Optimize(resolver, []*plan.Plan{p})
	if err != nil {
		return err
	}
	res := results[0]
	log.WithField("modified", res.Modified).Info("optimization finished")

	out, err := json.MarshalIndent(res.Plan, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing optimized plan")
	}
	fmt.Println(string(out))
	return nil
}

func runCost(cmd *cobra.Command, args []string) error {
	p, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	return printCosts(p)
}

func main() {
	root := &cobra.Command{
		Use:           "planopt",
		Short:         "Inspect and optimize serialized execution plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	optimize := &cobra.Command{
		Use:   "optimize <plan.json>",
		Short: "Run the optimizer rules over a plan and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runOptimize,
	}
	optimize.Flags().StringVar(&catalogPath, "catalog", "", "path to JSON collection catalog")

	cost := &cobra.Command{
		Use:   "cost <plan.json>",
		Short: "Print the estimated cost of every node in a plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runCost,
	}

	root.AddCommand(optimize, cost)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
