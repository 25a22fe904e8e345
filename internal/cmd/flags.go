package cmd

import (
	"github.com/agerwick/backup-retention/internal/config"
	"github.com/spf13/cobra"
)

// addConfigFlags registers the flags shared by every command. Their defaults only document
// the built-in configuration; a flag overrides the config file and the environment only when
// it is set.
func addConfigFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	f := cmd.PersistentFlags()

	f.StringP("config", "c", "", "YAML configuration file")
	f.StringP("format", "f", d.Format, "backup name template using {YYYY} {MM} {DD} {hh} {mm}, ? and *")
	f.StringP("retention", "r", d.Retention, "retention policy, e.g. \"latest=3 days=7 weeks=4\"")
	f.String("method", d.Method, "window method when the policy does not name one: cumulative or progressive")
	f.StringP("action", "a", d.Action, "what to do with backups no rule keeps: list, move or delete")
	f.StringP("destination", "d", "", "directory backups are moved to with --action=move")
	f.BoolP("verbose", "v", false, "print the reason for every decision")
	f.String("tz", d.TZ, "timezone backup names are written in (default local time)")
	f.String("report", "", "write a JSON report of each run to this file")
	f.String("metrics-file", "", "write Prometheus metrics to this file after each run")
	f.String("lock", "", "lock file held while moving or deleting (default <directory>/"+config.LockFileName+")")
	f.String("log-level", d.LogLevel, "DEBUG, INFO, WARN or ERROR")
	f.String("log-format", d.LogFormat, "json or text")
}

// loadConfig layers defaults, the config file, the environment, set flags and the directory
// argument, then resolves the result.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	stringFlags := map[string]*string{
		"format":       &cfg.Format,
		"retention":    &cfg.Retention,
		"method":       &cfg.Method,
		"action":       &cfg.Action,
		"destination":  &cfg.Destination,
		"tz":           &cfg.TZ,
		"report":       &cfg.ReportPath,
		"metrics-file": &cfg.MetricsPath,
		"lock":         &cfg.LockPath,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"cron":         &cfg.Schedule,
	}
	for name, dst := range stringFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}

	boolFlags := map[string]*bool{
		"verbose": &cfg.Verbose,
		"watch":   &cfg.Watch,
	}
	for name, dst := range boolFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetBool(name); err != nil {
			return nil, err
		}
	}

	if flags.Lookup("port") != nil && flags.Changed("port") {
		if cfg.ServicePort, err = flags.GetInt("port"); err != nil {
			return nil, err
		}
	}
	if flags.Lookup("watch-debounce") != nil && flags.Changed("watch-debounce") {
		if cfg.WatchDebounce, err = flags.GetDuration("watch-debounce"); err != nil {
			return nil, err
		}
	}

	if len(args) > 0 {
		cfg.Directory = args[0]
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}
