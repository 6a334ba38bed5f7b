//go:build !sqlite_vec || !cgo

package vectorstore

import (
	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("sqlitevec", func(config.VectorStoreOptions, string, int) (Store, error) {
		return nil, memerr.Errorf("vectorstore.New", memerr.KindConfig,
			"the sqlitevec provider requires building with -tags sqlite_vec and cgo")
	})
}
