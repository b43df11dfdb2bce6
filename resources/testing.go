package resources

import (
	"io/ioutil"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/config"
	"github.com/sockmap/sockmap/database"
)

//InitTestResources creates a resource bundle with the hard coded testing
//config and a silenced logger. No database connection is made.
func InitTestResources(t *testing.T) *Resources {
	conf, err := config.LoadTestingConfig("mongodb://localhost:27017")
	if err != nil {
		t.Fatal(err)
	}

	logger := log.New()
	logger.Out = ioutil.Discard

	return &Resources{
		Config: conf,
		Log:    logger,
	}
}

//InitIntegrationTestingResources creates a testing resource bundle backed
//by a live MongoDB server. The server is contacted via the URI provided
//as by go test -args [MongoDB URI].
func InitIntegrationTestingResources(t *testing.T) *Resources {
	if testing.Short() {
		t.Skip()
	}

	if len(os.Args) != 2 {
		t.Fatal("-args [MongoDB URI] is required to run integration tests with go test")
	}

	mongoURI := os.Args[1]

	conf, err := config.LoadTestingConfig(mongoURI)
	if err != nil {
		t.Fatal(err)
	}

	logger := log.New()
	logger.Out = ioutil.Discard

	res := &Resources{
		Config: conf,
		Log:    logger,
	}

	db, err := database.NewDB(conf, logger)
	if err != nil {
		t.Fatal(err)
	}
	res.DB = db

	return res
}
