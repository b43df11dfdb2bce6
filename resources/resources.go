package resources

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/config"
	"github.com/sockmap/sockmap/database"
)

type (
	// Resources provides a data structure for passing system Resources
	Resources struct {
		Config *config.Config
		Log    *log.Logger
		DB     *database.DB
	}
)

// InitResources grabs the configuration file and intitializes the
// configuration data returning a *Resources object which has all of the
// necessary configuration information. The database connection is deferred
// to ConnectDatabase since most operations never touch MongoDB.
func InitResources(userConfig string) *Resources {
	conf, err := config.GetConfig(userConfig)
	if err != nil {
		fmt.Fprintf(os.Stdout, "Failed to config: %s\n", err.Error())
		os.Exit(-1)
	}

	// Fire up the logging system
	logger := initLogger(&conf.S.Log)
	if conf.S.Log.LogToFile {
		if err := addFileLogger(logger, conf.S.Log.LogPath); err != nil {
			fmt.Fprintf(os.Stdout, "Failed to configure file logging: %s\n", err.Error())
		}
	}

	return &Resources{
		Config: conf,
		Log:    logger,
	}
}

// ConnectDatabase dials the MongoDB export target and attaches the database
// log hook when configured. Only export paths need this.
func (r *Resources) ConnectDatabase() error {
	if r.DB != nil {
		return nil
	}
	db, err := database.NewDB(r.Config, r.Log)
	if err != nil {
		return err
	}
	r.DB = db

	if r.Config.S.Log.LogToDB {
		err = addMongoLogger(
			r.Log, db.Session,
			r.Config.S.MongoDB.Database, r.Config.T.Log.LogTable,
		)
		if err != nil {
			r.Log.WithError(err).Warn("Could not attach database logging")
		}
	}
	return nil
}
