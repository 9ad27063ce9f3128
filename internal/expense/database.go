package expense

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	reportBucketName     = "reports"
	itemBucketName       = "expense_items"
	attachmentBucketName = "attachments"
)

// ErrNotFound is returned when an entity does not exist. The pipeline
// relies on it to tell a lost race from a real failure.
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReport saves a report to the database
	SaveReport(report *Report) error

	// GetReport retrieves a report by ID
	GetReport(id string) (*Report, error)

	// GetReportByToken retrieves a report by its approval token
	GetReportByToken(token string) (*Report, error)

	// ListReports returns all reports
	ListReports() ([]*Report, error)

	// DeleteReport removes a report from the database
	DeleteReport(id string) error

	// SaveItem saves a line item to the database
	SaveItem(item *LineItem) error

	// GetItem retrieves a line item by ID
	GetItem(id string) (*LineItem, error)

	// ListItems returns a report's line items in creation order
	ListItems(reportID string) ([]*LineItem, error)

	// DeleteItem removes a line item from the database
	DeleteItem(id string) error

	// SaveAttachment saves an attachment to the database
	SaveAttachment(attachment *Attachment) error

	// GetAttachment retrieves an attachment by ID
	GetAttachment(id string) (*Attachment, error)

	// FindAttachmentByItem returns the item's attachment, or nil when it has none
	FindAttachmentByItem(itemID string) (*Attachment, error)

	// DeleteAttachment removes an attachment from the database
	DeleteAttachment(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{reportBucketName, itemBucketName, attachmentBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) put(bucket, key string, value any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (b *BoltDB) get(bucket, key, kind string, out any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func (b *BoltDB) delete(bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// SaveReport saves a report to the database
func (b *BoltDB) SaveReport(report *Report) error {
	return b.put(reportBucketName, report.ID, report)
}

// GetReport retrieves a report by ID
func (b *BoltDB) GetReport(id string) (*Report, error) {
	var report Report
	if err := b.get(reportBucketName, id, "report", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetReportByToken retrieves a report by its approval token
func (b *BoltDB) GetReportByToken(token string) (*Report, error) {
	var found *Report
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(reportBucketName)).ForEach(func(k, v []byte) error {
			var report Report
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("unmarshaling report: %w", err)
			}
			if report.ApprovalToken != "" && report.ApprovalToken == token {
				found = &report
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("report with token: %w", ErrNotFound)
	}
	return found, nil
}

// ListReports returns all reports, newest first
func (b *BoltDB) ListReports() ([]*Report, error) {
	reports := make([]*Report, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(reportBucketName)).ForEach(func(k, v []byte) error {
			var report Report
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("unmarshaling report: %w", err)
			}
			reports = append(reports, &report)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports, nil
}

// DeleteReport removes a report from the database
func (b *BoltDB) DeleteReport(id string) error {
	return b.delete(reportBucketName, id)
}

// SaveItem saves a line item to the database
func (b *BoltDB) SaveItem(item *LineItem) error {
	return b.put(itemBucketName, item.ID, item)
}

// GetItem retrieves a line item by ID
func (b *BoltDB) GetItem(id string) (*LineItem, error) {
	var item LineItem
	if err := b.get(itemBucketName, id, "expense item", &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems returns a report's line items in creation order
func (b *BoltDB) ListItems(reportID string) ([]*LineItem, error) {
	items := make([]*LineItem, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(itemBucketName)).ForEach(func(k, v []byte) error {
			var item LineItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling expense item: %w", err)
			}
			if item.ReportID == reportID {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// DeleteItem removes a line item from the database
func (b *BoltDB) DeleteItem(id string) error {
	return b.delete(itemBucketName, id)
}

// SaveAttachment saves an attachment to the database
func (b *BoltDB) SaveAttachment(attachment *Attachment) error {
	return b.put(attachmentBucketName, attachment.ID, attachment)
}

// GetAttachment retrieves an attachment by ID
func (b *BoltDB) GetAttachment(id string) (*Attachment, error) {
	var attachment Attachment
	if err := b.get(attachmentBucketName, id, "attachment", &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// FindAttachmentByItem returns the item's attachment, or nil when it has none
func (b *BoltDB) FindAttachmentByItem(itemID string) (*Attachment, error) {
	var found *Attachment
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(attachmentBucketName)).ForEach(func(k, v []byte) error {
			var attachment Attachment
			if err := json.Unmarshal(v, &attachment); err != nil {
				return fmt.Errorf("unmarshaling attachment: %w", err)
			}
			if attachment.ItemID == itemID {
				found = &attachment
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// DeleteAttachment removes an attachment from the database
func (b *BoltDB) DeleteAttachment(id string) error {
	return b.delete(attachmentBucketName, id)
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
