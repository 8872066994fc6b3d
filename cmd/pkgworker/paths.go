package main

// Well-known absolute paths (spec.md §6 "Persisted files"), grounded on the
// original worker's own #define constants
// (_examples/original_source/src/apt-worker.cc). catalogueConfPath and
// domainConfPath are not literal constants in the retrieved source (their
// definitions live in a header the retrieval pack does not include), so
// they are named here following the directory and naming convention every
// sibling constant uses.
const (
	stateDir = "/var/lib/hildon-application-manager"

	lockPath             = stateDir + "/apt-worker-lock"
	catalogueConfPath    = stateDir + "/catalogues"
	tempCatalogueConf    = stateDir + "/catalogues.temp"
	failedCataloguesPath = stateDir + "/failed-catalogues"
	currentOperationPath = stateDir + "/current-operation"
	rescueResultPath     = stateDir + "/rescue-result"
	availableUpdatesPath = stateDir + "/available-updates"
	domainConfPath       = stateDir + "/domains.conf"

	listsDir = stateDir + "/lists"

	internalMMCMountpoint  = "/home/user/MyDocs"
	removableMMCMountpoint = "/media/mmc1"
	homeMountpoint         = "/home"
)
