package dialect

import (
	"testing"
)

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"sqlite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "pgx", false},
		{"PostgreSQL", "postgres", "pgx", false},
		{"pgx", "postgres", "pgx", false},
		{"unknown", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
			if d.DriverName() != tt.wantDriver {
				t.Errorf("DriverName() = %v, want %v", d.DriverName(), tt.wantDriver)
			}
		})
	}
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	d := &sqliteDialect{}
	query := "SELECT * FROM jobs WHERE id = ? AND state = ?"
	got := d.Rebind(query)
	if got != query {
		t.Errorf("Rebind() = %v, want %v", got, query)
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	d := &postgresDialect{}
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT * FROM jobs WHERE id = ?", "SELECT * FROM jobs WHERE id = $1"},
		{"SELECT * FROM jobs WHERE id = ? AND state = ?", "SELECT * FROM jobs WHERE id = $1 AND state = $2"},
		{"INSERT INTO rate_buckets VALUES (?, ?, ?)", "INSERT INTO rate_buckets VALUES ($1, $2, $3)"},
		{"SELECT * FROM jobs", "SELECT * FROM jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := d.Rebind(tt.query)
			if got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteDialect_UpsertClause(t *testing.T) {
	d := &sqliteDialect{}

	got := d.UpsertClause([]string{"tenant_id"}, nil)
	want := "ON CONFLICT(tenant_id) DO NOTHING"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}

	got = d.UpsertClause([]string{"tenant_id", "idem_key"}, []string{"state", "expires_at"})
	want = "ON CONFLICT(tenant_id, idem_key) DO UPDATE SET state=excluded.state, expires_at=excluded.expires_at"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}
}

func TestPostgresDialect_UpsertClause(t *testing.T) {
	d := &postgresDialect{}

	got := d.UpsertClause([]string{"tenant_id"}, nil)
	want := "ON CONFLICT (tenant_id) DO NOTHING"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}

	got = d.UpsertClause([]string{"tenant_id", "idem_key"}, []string{"state", "expires_at"})
	want = "ON CONFLICT (tenant_id, idem_key) DO UPDATE SET state = EXCLUDED.state, expires_at = EXCLUDED.expires_at"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}
}

func TestDialect_PragmaStatements(t *testing.T) {
	sqliteD := &sqliteDialect{}
	pragmas := sqliteD.PragmaStatements()
	if len(pragmas) == 0 {
		t.Error("SQLite should have pragma statements")
	}

	pgD := &postgresDialect{}
	if pgD.PragmaStatements() != nil {
		t.Error("PostgreSQL should not have pragma statements")
	}
}
