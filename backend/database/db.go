package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DB wraps the database connection
type DB struct {
	conn   *gorm.DB
	driver string
}

// New opens a database connection and migrates the schema.
// For sqlite dsn is a file path; for mysql it is a go-sql-driver DSN.
func New(driver, dsn string) (*DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if dsn == "" {
			dsn = "./data/fileconvert.db"
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// modernc.org/sqlite registers itself as "sqlite" and needs no cgo
		dialector = sqlite.Dialector{
			DriverName: "sqlite",
			DSN:        dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		}
	case DriverMySQL:
		if dsn == "" {
			dsn = "fileconvert:fileconvert_pass@tcp(localhost:3306)/fileconvert?charset=utf8mb4&parseTime=True&loc=UTC"
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if driver == DriverSQLite {
		// Writers serialize on one connection so transactions never hit SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the driver name in use
func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(&JobModel{})
}
