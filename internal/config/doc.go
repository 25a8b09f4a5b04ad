// Package config provides the configuration model and loading for
// avaproxy.
//
// Configuration is read from a YAML file whose values may reference
// environment variables with ${VAR} or ${VAR:-default}. Missing keys keep
// their defaults; Validate reports every problem at once as
// ValidationErrors.
//
// # Loading
//
//	cfg, err := config.LoadConfig("avaproxy.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// # File Watching
//
// A Watcher reloads the file on change and hands each valid
// configuration to a callback. avaproxy uses it to change the log level
// without a restart.
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    _ = levelSetter.SetLevel(cfg.Logging.Level)
//	}, config.WithLogger(logger))
package config
