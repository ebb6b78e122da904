package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"Narrato/model"
)

// dryRunDB builds SQL without ever opening a connection.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "narrato:secret@tcp(127.0.0.1:3306)/narrato?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true, SkipDefaultTransaction: true})
	require.NoError(t, err)
	return gdb
}

func TestCanonicalUpsertStatement(t *testing.T) {
	gdb := dryRunDB(t)

	track := &model.Track{EntityID: "vision-1", SectionKey: "forward", VoiceID: "nova", Variant: "standard"}
	stmt := gdb.Clauses(canonicalUpsert()).Create(track).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "INSERT INTO `audio_tracks`")
	assert.Contains(t, sql, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, sql, "`storage_key`=")
	assert.Contains(t, sql, "`mix_status`=")
	assert.NotContains(t, sql, "`created_at`=")
}

func TestProgressUpdateStatement(t *testing.T) {
	gdb := dryRunDB(t)

	stmt := progressUpdate(gdb, "batch-1", 1, 0).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "UPDATE `audio_batches` SET")
	assert.Contains(t, sql, "`completed_count`=completed_count + ?")
	assert.Contains(t, sql, "`failed_count`=failed_count + ?")
	assert.Contains(t, sql, "completed_count + failed_count + ? <= total_expected")
}

func TestMixColumns(t *testing.T) {
	msg := "ffmpeg exited 1"
	failed := mixColumns(model.MixUpdate{Status: model.MixStatusFailed, ErrorMessage: &msg})
	assert.Equal(t, model.MixStatusFailed, failed["mix_status"])
	assert.NotContains(t, failed, "mixed_url")

	done := mixColumns(model.MixUpdate{Status: model.MixStatusCompleted, MixedURL: "https://cdn/x-mixed.mp3", MixedKey: "x-mixed.mp3"})
	assert.Equal(t, "https://cdn/x-mixed.mp3", done["mixed_url"])
	assert.Equal(t, "x-mixed.mp3", done["mixed_key"])
}
