package model

// Registration is one cache version's lifecycle record.
type Registration struct {
	Version   string `gorm:"column:version;type:text;primaryKey"`
	State     string `gorm:"column:state;type:text;not null"`
	Assets    string `gorm:"column:assets;type:text;not null"`
	UpdatedAt string `gorm:"column:updated_at;type:text;not null;index"`
}

func (Registration) TableName() string {
	return "sw_registrations"
}
