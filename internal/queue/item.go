package queue

import (
	"database/sql"
	"fmt"
)

// Item is one row of the index queue.
type Item struct {
	UID                   int64  `json:"uid"`
	Root                  int64  `json:"root"`
	Type                  string `json:"item_type"`
	RecordUID             int64  `json:"item_uid"`
	IndexingConfiguration string `json:"indexing_configuration"`
	Changed               int64  `json:"changed"`
	Indexed               int64  `json:"indexed"`
	Errors                string `json:"errors,omitempty"`
	Priority              int    `json:"indexing_priority"`
	MountIdentifier       string `json:"mount_identifier,omitempty"`
}

// HasErrors reports whether the last indexing attempt failed.
func (i *Item) HasErrors() bool { return i.Errors != "" }

// IsPending reports whether the item needs (re)indexing.
func (i *Item) IsPending() bool { return i.Changed > i.Indexed }

// HasBeenIndexed reports whether the item was ever indexed successfully.
func (i *Item) HasBeenIndexed() bool { return i.Indexed > 0 }

// IsMounted reports whether the item was queued through a mount point.
func (i *Item) IsMounted() bool { return i.MountIdentifier != "" }

// String identifies the item in logs.
func (i *Item) String() string {
	return fmt.Sprintf("%s:%d@%d/%s", i.Type, i.RecordUID, i.Root, i.IndexingConfiguration)
}

// MountIdentifier builds the identifier of a page reachable through a mount
// point: "<mountedPage>-<mountPointPage>".
func MountIdentifier(mountedPage, mountPointPage int64) string {
	return fmt.Sprintf("%d-%d", mountedPage, mountPointPage)
}

const itemColumns = `uid, root, item_type, item_uid, indexing_configuration,
	changed, indexed, errors, indexing_priority, mount_identifier`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	err := row.Scan(&it.UID, &it.Root, &it.Type, &it.RecordUID, &it.IndexingConfiguration,
		&it.Changed, &it.Indexed, &it.Errors, &it.Priority, &it.MountIdentifier)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
