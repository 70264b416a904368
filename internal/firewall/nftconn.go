package firewall

import (
	"errors"
	"fmt"

	"github.com/google/nftables"
)

// ErrNFTablesUnavailable is returned when the kernel cannot be queried.
var ErrNFTablesUnavailable = errors.New("nftables unavailable")

// NFTablesConn abstracts the nftables.Conn operations used to remove the
// unified table when the legacy backend takes over.
type NFTablesConn interface {
	ListTables() ([]*nftables.Table, error)
	DelTable(t *nftables.Table)
	Flush() error
}

var _ NFTablesConn = (*nftables.Conn)(nil)

// NewNFTablesConn opens a netlink connection to nftables.
func NewNFTablesConn() (NFTablesConn, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("open nftables netlink: %w", err)
	}
	return conn, nil
}

// RemoveUnifiedTable deletes the "inet geofence" table if it exists. It
// reports whether a table was removed.
func RemoveUnifiedTable(conn NFTablesConn) (bool, error) {
	tables, err := conn.ListTables()
	if err != nil {
		return false, fmt.Errorf("%w: list tables: %v", ErrNFTablesUnavailable, err)
	}
	for _, t := range tables {
		if t.Family == nftables.TableFamilyINet && t.Name == TableName {
			conn.DelTable(t)
			if err := conn.Flush(); err != nil {
				return false, fmt.Errorf("delete table %s %s: %w", TableFamily, TableName, err)
			}
			return true, nil
		}
	}
	return false, nil
}
