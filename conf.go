package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var conf *Conf

type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		Directory      string `mapstructure:"directory"`
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
	} `mapstructure:"output"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Server struct {
		Addr          string `mapstructure:"addr"`
		Archive       string `mapstructure:"archive"`
		LeafCacheSize int    `mapstructure:"leafCacheSize"`
		ReadTimeout   int    `mapstructure:"readTimeout"`
		WriteTimeout  int    `mapstructure:"writeTimeout"`
		MaxItems      int    `mapstructure:"maxItems"`
	} `mapstructure:"server"`
	Task struct {
		Workers      int  `mapstructure:"workers"`
		BatchSize    int  `mapstructure:"batchSize"`
		QueueSize    int  `mapstructure:"queueSize"`
		PageSize     int  `mapstructure:"pageSize"`
		Timedelay    int  `mapstructure:"timedelay"`
		Timeout      int  `mapstructure:"timeout"`
		Progress     bool `mapstructure:"progress"`
		SkipExisting bool `mapstructure:"skipExisting"`
	} `mapstructure:"task"`
	Layers []LayerConf `mapstructure:"layers"`
}

// LayerConf is one remote dataset. Kind is features, imagery or xyz.
type LayerConf struct {
	Name          string    `mapstructure:"name"`
	Kind          string    `mapstructure:"kind"`
	URL           string    `mapstructure:"url"`
	Layer         string    `mapstructure:"layer"`
	MinZoom       int       `mapstructure:"minZoom"`
	MaxZoom       int       `mapstructure:"maxZoom"`
	Bbox          []float64 `mapstructure:"bbox"`
	Geojson       string    `mapstructure:"geojson"`
	RenderingRule string    `mapstructure:"renderingRule"`
	Format        string    `mapstructure:"format"`
	Gzip          bool      `mapstructure:"gzip"`
	Schedule      string    `mapstructure:"schedule"`
}

// InitConf reads the TOML file at cfgFile. Environment variables override
// file values.
func InitConf(cfgFile string) error {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file(%s) error, details: %w", viper.ConfigFileUsed(), err)
	}

	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "Tile Cache")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("output.outputTerminal", true)
	viper.SetDefault("store.path", "output/tilecache.gpkg")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.leafCacheSize", 64)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.batchSize", 50)
	viper.SetDefault("task.queueSize", 64)
	viper.SetDefault("task.pageSize", 1000)
	viper.SetDefault("task.timedelay", 0)
	viper.SetDefault("task.timeout", 30)
	viper.SetDefault("task.progress", true)

	conf = new(Conf)
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for i := range conf.Layers {
		if err := conf.Layers[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l *LayerConf) validate() error {
	if l.Name == "" {
		return fmt.Errorf("layer without name")
	}
	switch l.Kind {
	case "":
		l.Kind = "features"
	case "features", "imagery", "xyz":
	default:
		return fmt.Errorf("layer %s: unknown kind %q", l.Name, l.Kind)
	}
	if l.URL == "" {
		return fmt.Errorf("layer %s: url is required", l.Name)
	}
	if len(l.Bbox) != 0 && len(l.Bbox) != 4 {
		return fmt.Errorf("layer %s: bbox needs 4 numbers", l.Name)
	}
	return nil
}

// layer finds a configured layer by name.
func (c *Conf) layer(name string) (LayerConf, bool) {
	for _, l := range c.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerConf{}, false
}
