package db

// SchemaSQL defines the job table.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS input_ref ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS output_ref ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS params ON job TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS error ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS stats ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS progress ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime DEFAULT time::now();

    -- The stall sweep scans running jobs by heartbeat.
    DEFINE INDEX IF NOT EXISTS job_status_updated ON job FIELDS status, updated_at;
    DEFINE INDEX IF NOT EXISTS job_kind ON job FIELDS kind;
`
