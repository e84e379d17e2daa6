package storage

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"board-sync/internal/consts"
	"board-sync/notify"
)

type preferencesEntity struct {
	PartitionKey         string `json:"PartitionKey"`
	RowKey               string `json:"RowKey"`
	SoundEnabled         bool   `json:"SoundEnabled"`
	DesktopNotifications bool   `json:"DesktopNotifications"`
	MaxToasts            int    `json:"MaxToasts"`
	Position             string `json:"Position"`
}

func toEntity(userID string, p notify.Preferences) preferencesEntity {
	return preferencesEntity{
		PartitionKey:         userID,
		RowKey:               consts.PreferencesRowKey,
		SoundEnabled:         p.SoundEnabled,
		DesktopNotifications: p.DesktopNotifications,
		MaxToasts:            p.MaxToasts,
		Position:             string(p.Position),
	}
}

func (e preferencesEntity) preferences() notify.Preferences {
	return notify.Preferences{
		SoundEnabled:         e.SoundEnabled,
		DesktopNotifications: e.DesktopNotifications,
		MaxToasts:            e.MaxToasts,
		Position:             notify.Position(e.Position),
	}
}

// TablePreferences keeps preferences in an Azure Tables settings table,
// partitioned by user.
type TablePreferences struct {
	table  *aztables.Client
	userID string
}

func NewTablePreferences(connStr, table, userID string) (*TablePreferences, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &TablePreferences{table: svc.NewClient(table), userID: userID}, nil
}

// EnsureTable creates the settings table when it does not exist yet.
func (t *TablePreferences) EnsureTable(ctx context.Context) error {
	if _, err := t.table.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func (t *TablePreferences) LoadPreferences(ctx context.Context) (notify.Preferences, error) {
	ent, err := t.table.GetEntity(ctx, t.userID, consts.PreferencesRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return notify.Preferences{}, ErrNotFound
		}
		return notify.Preferences{}, err
	}
	var e preferencesEntity
	if err := sonic.Unmarshal(ent.Value, &e); err != nil {
		return notify.Preferences{}, err
	}
	return e.preferences(), nil
}

func (t *TablePreferences) SavePreferences(ctx context.Context, p notify.Preferences) error {
	payload, err := sonic.Marshal(toEntity(t.userID, p))
	if err == nil {
		_, err = t.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return err
}
