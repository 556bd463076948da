package model

// TimeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

type CacheNamespace struct {
	Version   string `gorm:"column:version;type:text;primaryKey"`
	Bucket    string `gorm:"column:bucket;type:text;primaryKey"`
	CreatedAt string `gorm:"column:created_at;type:text;not null"`
}

func (CacheNamespace) TableName() string {
	return "cache_namespaces"
}

type CacheEntry struct {
	Version    string `gorm:"column:version;type:text;primaryKey"`
	Bucket     string `gorm:"column:bucket;type:text;primaryKey"`
	RequestKey string `gorm:"column:request_key;type:text;primaryKey"`
	Status     int    `gorm:"column:status;not null"`
	Header     string `gorm:"column:header;type:text;not null"`
	Body       []byte `gorm:"column:body;type:blob"`
	CapturedAt string `gorm:"column:captured_at;type:text;not null;index"`
}

func (CacheEntry) TableName() string {
	return "cache_entries"
}

// All lists every model migrated by init-db.
func All() []any {
	return []any{
		&CacheNamespace{},
		&CacheEntry{},
		&Registration{},
	}
}
