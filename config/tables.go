package config

import (
	"github.com/creasty/defaults"
)

type (
	//TableCfg is the container for other table config sections
	TableCfg struct {
		Log       LogTableCfg
		Inventory InventoryTableCfg
		Graph     GraphTableCfg
		Meta      MetaTableCfg
	}

	//LogTableCfg contains the configuration for logging
	LogTableCfg struct {
		LogTable string `default:"logs"`
	}

	//InventoryTableCfg contains the names of the captured inventory
	//collections
	InventoryTableCfg struct {
		HostsTable   string `default:"hosts"`
		SocketsTable string `default:"sockets"`
	}

	//GraphTableCfg contains the names of the correlation result collections
	GraphTableCfg struct {
		ConnectionsTable string `default:"connections"`
	}

	//MetaTableCfg contains the meta collection names
	MetaTableCfg struct {
		RunsTable string `default:"runs"`
	}
)

//initTableConfig sets the collection names to their defaults
func initTableConfig(config *TableCfg) error {
	return defaults.Set(config)
}
