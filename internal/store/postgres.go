package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-analyzer/internal/db"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close releases it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id         BIGINT PRIMARY KEY,
	account_id TEXT NOT NULL,
	username   TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS profile_summaries (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	account_id TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profile_summaries_account ON profile_summaries(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS profile_items (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	community  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profile_items_account ON profile_items(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS agent_prompts (
	id            TEXT PRIMARY KEY,
	dimension     TEXT NOT NULL,
	version       INTEGER NOT NULL,
	system_prompt TEXT NOT NULL,
	output_schema JSONB NOT NULL,
	temperature   DOUBLE PRECISION NOT NULL,
	max_tokens    INTEGER NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT false,
	created_by    TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (dimension, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_prompts_one_active ON agent_prompts(dimension) WHERE active;

CREATE TABLE IF NOT EXISTS lead_analyses (
	id                       TEXT PRIMARY KEY,
	lead_id                  BIGINT NOT NULL,
	account_id               TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	started_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at             TIMESTAMPTZ,
	results                  JSONB,
	meta_analysis            JSONB,
	final_recommendation     TEXT,
	recommendation_reasoning TEXT NOT NULL DEFAULT '',
	confidence_score         DOUBLE PRECISION,
	prompt_versions          JSONB,
	model_info               JSONB,
	error                    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lead_analyses_lead_id ON lead_analyses(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_analyses_status ON lead_analyses(status);

CREATE TABLE IF NOT EXISTS dimension_runs (
	id             TEXT PRIMARY KEY,
	analysis_id    TEXT NOT NULL REFERENCES lead_analyses(id) ON DELETE CASCADE,
	dimension      TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	input_snapshot JSONB,
	output         JSONB,
	raw_response   TEXT NOT NULL DEFAULT '',
	model_info     JSONB,
	prompt_id      TEXT REFERENCES agent_prompts(id),
	prompt_version INTEGER NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_detail   TEXT NOT NULL DEFAULT '',
	UNIQUE (analysis_id, dimension)
);

CREATE INDEX IF NOT EXISTS idx_dimension_runs_analysis_id ON dimension_runs(analysis_id);

CREATE TABLE IF NOT EXISTS job_ledger (
	dedupe_key  TEXT PRIMARY KEY,
	task_type   TEXT NOT NULL,
	subject_id  BIGINT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	analysis_id TEXT NOT NULL DEFAULT '',
	next_run_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_ledger_status ON job_ledger(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	actor       TEXT NOT NULL,
	action_type TEXT NOT NULL,
	result      TEXT NOT NULL,
	entity_ref  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity_ref ON audit_log(entity_ref, created_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Prompts ---

const pgPromptColumns = `id, dimension, version, system_prompt, output_schema, temperature, max_tokens, active, created_by, notes, created_at`

func (s *PostgresStore) GetActivePrompt(ctx context.Context, dimension string) (*model.AgentPrompt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPromptColumns+` FROM agent_prompts WHERE dimension = $1 AND active`,
		dimension,
	)
	p, err := scanPgPrompt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: no active prompt for %s", dimension)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get active prompt %s", dimension)
	}
	return p, nil
}

func (s *PostgresStore) GetPromptVersion(ctx context.Context, dimension string, version int) (*model.AgentPrompt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPromptColumns+` FROM agent_prompts WHERE dimension = $1 AND version = $2`,
		dimension, version,
	)
	p, err := scanPgPrompt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: prompt %s v%d", dimension, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get prompt %s v%d", dimension, version)
	}
	return p, nil
}

func (s *PostgresStore) ListPromptVersions(ctx context.Context, dimension string) ([]model.AgentPrompt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPromptColumns+` FROM agent_prompts WHERE dimension = $1 ORDER BY version DESC`,
		dimension,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list prompts %s", dimension)
	}
	defer rows.Close()

	var prompts []model.AgentPrompt
	for rows.Next() {
		p, err := scanPgPrompt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prompt")
		}
		prompts = append(prompts, *p)
	}
	return prompts, eris.Wrap(rows.Err(), "postgres: list prompts iterate")
}

func (s *PostgresStore) ListPromptDimensions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT dimension FROM agent_prompts ORDER BY dimension`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prompt dimensions")
	}
	defer rows.Close()

	var dims []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dimension")
		}
		dims = append(dims, d)
	}
	return dims, eris.Wrap(rows.Err(), "postgres: list prompt dimensions iterate")
}

// InsertPromptVersion serializes writers per dimension with a transaction
// scoped advisory lock so version numbers stay dense and exactly one row is
// active.
func (s *PostgresStore) InsertPromptVersion(ctx context.Context, p *model.AgentPrompt, activate bool) (*model.AgentPrompt, error) {
	out := *p
	out.ID = uuid.New().String()
	out.Active = activate
	out.CreatedAt = time.Now().UTC()

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.Dimension); err != nil {
			return eris.Wrapf(err, "postgres: lock prompt %s", p.Dimension)
		}

		var maxVersion int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM agent_prompts WHERE dimension = $1`,
			p.Dimension,
		).Scan(&maxVersion); err != nil {
			return eris.Wrapf(err, "postgres: max prompt version %s", p.Dimension)
		}
		out.Version = maxVersion + 1

		if activate {
			if _, err := tx.Exec(ctx,
				`UPDATE agent_prompts SET active = false WHERE dimension = $1 AND active`,
				p.Dimension,
			); err != nil {
				return eris.Wrapf(err, "postgres: deactivate prompt %s", p.Dimension)
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO agent_prompts (`+pgPromptColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			out.ID, out.Dimension, out.Version, out.SystemPrompt, []byte(out.OutputSchema),
			out.Temperature, out.MaxTokens, out.Active, out.CreatedBy, out.Notes, out.CreatedAt,
		)
		return eris.Wrapf(err, "postgres: insert prompt %s v%d", out.Dimension, out.Version)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Analyses ---

const pgAnalysisColumns = `id, lead_id, account_id, status, started_at, completed_at, results, meta_analysis,
	final_recommendation, recommendation_reasoning, confidence_score, prompt_versions, model_info, error`

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.LeadAnalysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lead_analyses (id, lead_id, account_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.LeadID, a.AccountID, string(a.Status), a.StartedAt,
	)
	return eris.Wrapf(err, "postgres: insert analysis for lead %d", a.LeadID)
}

func (s *PostgresStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lead_analyses SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		string(status), id, analysisSources(status),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update analysis status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM lead_analyses WHERE id = $1`, id).Scan(&current)
	return transitionError(err, id, current, status)
}

func (s *PostgresStore) PersistAnalysis(ctx context.Context, a *model.LeadAnalysis, runs []*model.DimensionRun) error {
	results, err := marshalNullable(a.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}
	versions, err := marshalNullable(a.PromptVersions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal prompt versions")
	}
	modelInfo, err := marshalNullable(a.ModelInfo)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal model info")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE lead_analyses SET status = $1, completed_at = $2, results = $3, meta_analysis = $4,
			 final_recommendation = $5, recommendation_reasoning = $6, confidence_score = $7,
			 prompt_versions = $8, model_info = $9, error = $10
			 WHERE id = $11 AND status = ANY($12)`,
			string(a.Status), a.CompletedAt, jsonbArg(results), jsonbRaw(a.MetaAnalysis),
			a.FinalRecommendation, a.RecommendationReasoning, a.ConfidenceScore,
			jsonbArg(versions), jsonbArg(modelInfo), a.Error, a.ID, analysisSources(a.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: persist analysis %s", a.ID)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM lead_analyses WHERE id = $1`, a.ID).Scan(&current)
			return transitionError(err, a.ID, current, a.Status)
		}

		for _, r := range runs {
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			r.AnalysisID = a.ID
			mi, err := marshalNullable(r.ModelInfo)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal run model info")
			}
			var promptID *string
			if r.PromptID != "" {
				promptID = &r.PromptID
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO dimension_runs (id, analysis_id, dimension, status, started_at, completed_at,
				 input_snapshot, output, raw_response, model_info, prompt_id, prompt_version, error_kind, error_detail)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (analysis_id, dimension) DO UPDATE SET
				   status = EXCLUDED.status, completed_at = EXCLUDED.completed_at,
				   input_snapshot = EXCLUDED.input_snapshot, output = EXCLUDED.output,
				   raw_response = EXCLUDED.raw_response, model_info = EXCLUDED.model_info,
				   prompt_id = EXCLUDED.prompt_id, prompt_version = EXCLUDED.prompt_version,
				   error_kind = EXCLUDED.error_kind, error_detail = EXCLUDED.error_detail`,
				r.ID, r.AnalysisID, r.Dimension, string(r.Status), r.StartedAt, r.CompletedAt,
				jsonbRaw(r.InputSnapshot), jsonbRaw(r.Output), r.RawResponse, jsonbArg(mi),
				promptID, r.PromptVersion, string(r.ErrorKind), r.ErrorDetail,
			); err != nil {
				return eris.Wrapf(err, "postgres: upsert dimension run %s", r.Dimension)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.LeadAnalysis, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAnalysisColumns+` FROM lead_analyses WHERE id = $1`, id)
	a, err := scanPgAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: analysis %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get analysis %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.LeadAnalysis, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var leadID *int64
	if filter.LeadID != 0 {
		leadID = &filter.LeadID
	}
	var status *string
	if filter.Status != "" {
		st := string(filter.Status)
		status = &st
	}
	var after *time.Time
	if !filter.StartedAfter.IsZero() {
		after = &filter.StartedAfter
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAnalysisColumns+` FROM lead_analyses
		 WHERE ($1::bigint IS NULL OR lead_id = $1) AND ($2::text IS NULL OR status = $2)
		   AND ($5::timestamptz IS NULL OR started_at >= $5)
		 ORDER BY started_at DESC LIMIT $3 OFFSET $4`,
		leadID, status, limit, filter.Offset, after,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var out []model.LeadAnalysis
	for rows.Next() {
		a, err := scanPgAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

func (s *PostgresStore) ListDimensionRuns(ctx context.Context, analysisID string) ([]model.DimensionRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, dimension, status, started_at, completed_at, input_snapshot, output,
		 raw_response, model_info, COALESCE(prompt_id, ''), prompt_version, error_kind, error_detail
		 FROM dimension_runs WHERE analysis_id = $1 ORDER BY dimension`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list dimension runs %s", analysisID)
	}
	defer rows.Close()

	var out []model.DimensionRun
	for rows.Next() {
		var r model.DimensionRun
		var status, kind string
		var input, output, modelInfo []byte
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.Dimension, &status, &r.StartedAt, &r.CompletedAt,
			&input, &output, &r.RawResponse, &modelInfo, &r.PromptID, &r.PromptVersion,
			&kind, &r.ErrorDetail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dimension run")
		}
		r.Status = model.DimensionStatus(status)
		r.ErrorKind = model.ErrorKind(kind)
		r.InputSnapshot = rawBytes(input)
		r.Output = rawBytes(output)
		if len(modelInfo) > 0 {
			r.ModelInfo = &model.ModelInfo{}
			if err := json.Unmarshal(modelInfo, r.ModelInfo); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run model info")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dimension runs iterate")
}

func (s *PostgresStore) DeleteAnalysis(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lead_analyses WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete analysis %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: analysis %s", id)
	}
	return nil
}

// --- Ledger ---

const pgJobColumns = `dedupe_key, task_type, subject_id, status, attempts, last_error, analysis_id, next_run_at, created_at, updated_at`

func (s *PostgresStore) AcquireJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_ledger (`+pgJobColumns+`)
		 VALUES ($1, $2, $3, 'running', 1, '', '', $4, $4, $4)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
		   status = 'running',
		   attempts = CASE WHEN job_ledger.status IN ('failed', 'cancelled') THEN 1 ELSE job_ledger.attempts + 1 END,
		   updated_at = EXCLUDED.updated_at
		 WHERE job_ledger.status IN ('queued', 'failed', 'cancelled')
		    OR (job_ledger.status = 'retrying' AND job_ledger.next_run_at <= EXCLUDED.updated_at)
		    OR (job_ledger.status = 'running' AND job_ledger.updated_at < $5)
		 RETURNING `+pgJobColumns,
		req.DedupeKey, req.TaskType, req.SubjectID, req.Now, req.StaleBefore,
	)
	entry, err := scanPgJob(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: acquire job %s", req.DedupeKey)
	}

	current, err := s.GetJob(ctx, req.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_ledger (`+pgJobColumns+`)
		 VALUES ($1, $2, $3, 'queued', 0, '', '', $4, $4, $4)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
		   status = 'queued', attempts = 0, last_error = '',
		   next_run_at = EXCLUDED.next_run_at, updated_at = EXCLUDED.updated_at
		 WHERE job_ledger.status IN ('failed', 'cancelled')
		 RETURNING `+pgJobColumns,
		req.DedupeKey, req.TaskType, req.SubjectID, req.Now,
	)
	entry, err := scanPgJob(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: enqueue job %s", req.DedupeKey)
	}

	current, err := s.GetJob(ctx, req.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, dedupeKey string, update JobUpdate) error {
	now := time.Now().UTC()
	next := update.NextRunAt
	if next.IsZero() {
		next = now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_ledger SET status = $1, analysis_id = COALESCE(NULLIF($2, ''), analysis_id),
		 last_error = $3, next_run_at = $4, updated_at = $5
		 WHERE dedupe_key = $6 AND (status = 'running' OR ($7 AND status = 'cancelled'))`,
		string(update.Status), update.AnalysisID, update.LastError, next, now, dedupeKey, update.SupersedeCancelled,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job %s", dedupeKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrLedgerConflict, "postgres: job %s is not running", dedupeKey)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, dedupeKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_ledger SET status = 'cancelled', updated_at = now()
		 WHERE dedupe_key = $1 AND status IN ('queued', 'running', 'retrying')`,
		dedupeKey,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", dedupeKey)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, dedupeKey string) (*model.JobLedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM job_ledger WHERE dedupe_key = $1`, dedupeKey)
	entry, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: job %s", dedupeKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", dedupeKey)
	}
	return entry, nil
}

// --- Leads ---

func (s *PostgresStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	var l model.Lead
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, username, source, title, body, url, created_at FROM leads WHERE id = $1`,
		id,
	).Scan(&l.ID, &l.AccountID, &l.Username, &l.Source, &l.Title, &l.Body, &l.URL, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: lead %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %d", id)
	}
	return &l, nil
}

func (s *PostgresStore) GetProfileContext(ctx context.Context, accountID string) (*model.ProfileContext, error) {
	pc := &model.ProfileContext{AccountID: accountID}

	rows, err := s.pool.Query(ctx,
		`SELECT summary FROM profile_summaries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, maxProfileSummaries,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list profile summaries %s", accountID)
	}
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan profile summary")
		}
		pc.Summaries = append(pc.Summaries, summary)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: profile summaries iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT kind, title, body, community, created_at FROM profile_items
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, maxProfileItems,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list profile items %s", accountID)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var item model.ProfileItem
		if err := rows.Scan(&kind, &item.Title, &item.Body, &item.Community, &item.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile item")
		}
		if kind == ProfileItemComment {
			pc.Comments = append(pc.Comments, item)
		} else {
			pc.Posts = append(pc.Posts, item)
		}
	}
	return pc, eris.Wrap(rows.Err(), "postgres: profile items iterate")
}

func (s *PostgresStore) SaveLead(ctx context.Context, lead model.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leads (id, account_id, username, source, title, body, url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET account_id = EXCLUDED.account_id, username = EXCLUDED.username,
		   source = EXCLUDED.source, title = EXCLUDED.title, body = EXCLUDED.body, url = EXCLUDED.url`,
		lead.ID, lead.AccountID, lead.Username, lead.Source, lead.Title, lead.Body, lead.URL, lead.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save lead %d", lead.ID)
}

var leadUpsert = db.UpsertConfig{
	Table:        "leads",
	Columns:      []string{"id", "account_id", "username", "source", "title", "body", "url", "created_at"},
	ConflictKeys: []string{"id"},
	UpdateCols:   []string{"account_id", "username", "source", "title", "body", "url"},
}

func (s *PostgresStore) SaveLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(leads))
	for i, l := range leads {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		rows[i] = []any{l.ID, l.AccountID, l.Username, l.Source, l.Title, l.Body, l.URL, l.CreatedAt}
	}
	n, err := db.BulkUpsert(ctx, s.pool, leadUpsert, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save %d leads", len(leads))
	}
	return n, nil
}

func (s *PostgresStore) SaveProfileSummary(ctx context.Context, accountID, summary string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile_summaries (id, account_id, summary) VALUES ($1, $2, $3)`,
		uuid.New().String(), accountID, summary,
	)
	return eris.Wrapf(err, "postgres: save profile summary %s", accountID)
}

func (s *PostgresStore) SaveProfileItem(ctx context.Context, accountID, kind string, item model.ProfileItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile_items (id, account_id, kind, title, body, community, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), accountID, kind, item.Title, item.Body, item.Community, item.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save profile item %s", accountID)
}

// --- Audit ---

func (s *PostgresStore) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action_type, result, entity_ref, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Actor, e.ActionType, e.Result, e.EntityRef, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert audit entry")
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityRef string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor, action_type, result, entity_ref, created_at FROM audit_log
		 WHERE entity_ref = $1 ORDER BY created_at DESC LIMIT $2`,
		entityRef, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.ActionType, &e.Result, &e.EntityRef, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// --- helpers ---

func scanPgPrompt(row pgx.Row) (*model.AgentPrompt, error) {
	var p model.AgentPrompt
	var schema []byte
	if err := row.Scan(&p.ID, &p.Dimension, &p.Version, &p.SystemPrompt, &schema,
		&p.Temperature, &p.MaxTokens, &p.Active, &p.CreatedBy, &p.Notes, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.OutputSchema = json.RawMessage(schema)
	return &p, nil
}

func scanPgAnalysis(row pgx.Row) (*model.LeadAnalysis, error) {
	var a model.LeadAnalysis
	var status string
	var results, meta, versions, modelInfo []byte
	if err := row.Scan(&a.ID, &a.LeadID, &a.AccountID, &status, &a.StartedAt, &a.CompletedAt,
		&results, &meta, &a.FinalRecommendation, &a.RecommendationReasoning, &a.ConfidenceScore,
		&versions, &modelInfo, &a.Error); err != nil {
		return nil, err
	}
	a.Status = model.AnalysisStatus(status)
	a.MetaAnalysis = rawBytes(meta)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &a.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal results")
		}
	}
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &a.PromptVersions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal prompt versions")
		}
	}
	if len(modelInfo) > 0 {
		if err := json.Unmarshal(modelInfo, &a.ModelInfo); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal model info")
		}
	}
	return &a, nil
}

func scanPgJob(row pgx.Row) (*model.JobLedgerEntry, error) {
	var e model.JobLedgerEntry
	var status string
	if err := row.Scan(&e.DedupeKey, &e.TaskType, &e.SubjectID, &status, &e.Attempts,
		&e.LastError, &e.AnalysisID, &e.NextRunAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = model.JobStatus(status)
	return &e, nil
}

// jsonbArg converts a marshalNullable result into a JSONB parameter.
func jsonbArg(v any) any {
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	return nil
}

func jsonbRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawBytes(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
