package repositories

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestCreateOrdersAndGetOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, nil)

	regular := regularOrder("O1", "b1")
	group := groupOrder("O2", "b1", "g1")
	events := []models.Event{placedEvent("O1", 1), placedEvent("O2", 1)}

	require.NoError(t, repo.CreateOrders(ctx, []*models.Order{regular, group}, events))

	got, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BuyerID)
	assert.Equal(t, models.StatusPlaced, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.True(t, decimal.RequireFromString("30.00").Equal(got.TotalAmount))
	require.Len(t, got.Items, 2)
	assert.Equal(t, "O1-1", got.Items[0].ID)
	assert.Equal(t, "O1-2", got.Items[1].ID)
	assert.Nil(t, got.Assignment)

	got, err = repo.GetOrder(ctx, "O2")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.NotNil(t, got.Items[0].GroupID)
	assert.Equal(t, "g1", *got.Items[0].GroupID)
	assert.Equal(t, models.StatusPendingGroup, got.Items[0].Status)

	unprocessed, err := NewEventRepository(db).GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2)
}

func TestCreateOrdersRollsBackWithItsEvents(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, nil)

	// the second outbox row reuses an event id, so the whole checkout fails
	dup := placedEvent("O2", 1)
	first := placedEvent("O1", 1)
	dup.EventID = first.EventID

	err := repo.CreateOrders(ctx,
		[]*models.Order{regularOrder("O1", "b1"), groupOrder("O2", "b1", "g1")},
		[]models.Event{first, dup})
	require.Error(t, err)

	for _, id := range []string{"O1", "O2"} {
		_, err := repo.GetOrder(ctx, id)
		require.True(t, errors.Is(err, apperrors.ErrNotFound), id)
	}

	var items int64
	require.NoError(t, db.Model(&models.OrderItem{}).Count(&items).Error)
	assert.Zero(t, items)

	unprocessed, err := NewEventRepository(db).GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestSaveOrderAdvancesVersionAndItems(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, nil)
	require.NoError(t, repo.CreateOrders(ctx, []*models.Order{regularOrder("O1", "b1")}, nil))

	order, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order.Version = 2
	order.Status = models.StatusAssigned
	for i := range order.Items {
		order.Items[i].Status = models.StatusAssigned
		order.Items[i].AssignedAt = &now
	}
	order.Assignment = &models.DeliveryAssignment{
		TrackID:         "O1",
		PartnerID:       "partnerA",
		PickupLocation:  "Store 7",
		DeliveryAddress: "12 Main St",
		AssignedAt:      now,
		Leg:             models.StatusAssigned,
	}
	require.NoError(t, repo.SaveOrder(ctx, order, []models.Event{placedEvent("O1", 2)}))

	got, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, models.StatusAssigned, got.Status)
	for _, item := range got.Items {
		assert.Equal(t, models.StatusAssigned, item.Status)
		require.NotNil(t, item.AssignedAt)
		assert.WithinDuration(t, now, *item.AssignedAt, time.Second)
	}
	require.NotNil(t, got.Assignment)
	assert.Equal(t, "partnerA", got.Assignment.PartnerID)
	assert.Equal(t, models.StatusAssigned, got.Assignment.Leg)

	// the second save updates the existing assignment row in place
	got.Version = 3
	got.Status = models.StatusPickedUp
	for i := range got.Items {
		got.Items[i].Status = models.StatusPickedUp
		got.Items[i].PickedUpAt = &now
	}
	got.Assignment.Leg = models.StatusPickedUp
	require.NoError(t, repo.SaveOrder(ctx, got, nil))

	got, err = repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	require.NotNil(t, got.Assignment)
	assert.Equal(t, models.StatusPickedUp, got.Assignment.Leg)
	assert.Equal(t, "Store 7", got.Assignment.PickupLocation)

	var assignments int64
	require.NoError(t, db.Model(&models.DeliveryAssignment{}).Count(&assignments).Error)
	assert.Equal(t, int64(1), assignments)
}

func TestSaveOrderVersionConflict(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, nil)
	require.NoError(t, repo.CreateOrders(ctx, []*models.Order{regularOrder("O1", "b1")}, nil))

	first, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	second := first.Clone()

	first.Version = 2
	first.Status = models.StatusCancelled
	require.NoError(t, repo.SaveOrder(ctx, first, []models.Event{placedEvent("O1", 2)}))

	// a writer that read version 1 loses and writes nothing
	second.Version = 2
	second.Status = models.StatusAssigned
	err = repo.SaveOrder(ctx, second, []models.Event{placedEvent("O1", 2)})
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	got, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	unprocessed, err := NewEventRepository(db).GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 1)
}

func TestSaveOrderUnknown(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(setupTestDB(t), nil)

	order := regularOrder("missing", "b1")
	order.Version = 2
	err := repo.SaveOrder(ctx, order, nil)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = repo.GetOrder(ctx, "missing")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestListAndLoadOpenOrders(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, db)

	older := regularOrder("O1", "b1")
	older.OrderDate = older.OrderDate.Add(-time.Hour)
	require.NoError(t, repo.CreateOrders(ctx, []*models.Order{
		older,
		groupOrder("O2", "b1", "g1"),
		regularOrder("O3", "b2"),
	}, nil))

	listed, err := repo.ListOrders(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "O2", listed[0].TrackID)
	assert.Equal(t, "O1", listed[1].TrackID)

	cancelled, err := repo.GetOrder(ctx, "O3")
	require.NoError(t, err)
	cancelled.Version = 2
	cancelled.Status = models.StatusCancelled
	require.NoError(t, repo.SaveOrder(ctx, cancelled, nil))

	open, err := repo.LoadOpenOrders(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.TrackID)
		assert.NotEmpty(t, o.Items)
	}
	assert.ElementsMatch(t, []string{"O1", "O2"}, ids)
}

func TestOutboxFetchAndMark(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOrderRepository(db, nil)
	events := NewEventRepository(db)

	require.NoError(t, repo.CreateOrders(ctx, []*models.Order{regularOrder("O1", "b1")}, []models.Event{placedEvent("O1", 1)}))
	order, err := repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	order.Version = 2
	order.Status = models.StatusCancelled
	require.NoError(t, repo.SaveOrder(ctx, order, []models.Event{placedEvent("O1", 2)}))

	pending, err := events.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Version)
	assert.Equal(t, 2, pending[1].Version)

	require.NoError(t, events.MarkProcessed(ctx, pending[0].ID))
	require.NoError(t, events.MarkFailed(ctx, pending[1].ID, "index unavailable"))

	pending, err = events.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
	require.NotNil(t, pending[0].Error)
	assert.Equal(t, "index unavailable", *pending[0].Error)

	require.NoError(t, events.MarkProcessed(ctx, pending[0].ID))
	pending, err = events.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func regularOrder(trackID, buyerID string) *models.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Order{
		TrackID:       trackID,
		BuyerID:       buyerID,
		Kind:          models.KindRegular,
		OrderDate:     now,
		TotalAmount:   decimal.NewFromInt(30),
		PaymentMethod: models.PaymentCard,
		Status:        models.StatusPlaced,
		Version:       1,
		Items: []models.OrderItem{
			{ID: trackID + "-1", Position: 0, ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(10), Status: models.StatusPlaced, PlacedAt: &now},
			{ID: trackID + "-2", Position: 1, ProductID: "p2", Quantity: 2, UnitPrice: decimal.NewFromInt(10), Status: models.StatusPlaced, PlacedAt: &now},
		},
	}
}

func groupOrder(trackID, buyerID, groupID string) *models.Order {
	gid := groupID
	return &models.Order{
		TrackID:       trackID,
		BuyerID:       buyerID,
		Kind:          models.KindGroup,
		OrderDate:     time.Now().UTC().Truncate(time.Microsecond),
		TotalAmount:   decimal.RequireFromString("4.50"),
		PaymentMethod: models.PaymentCashOnDelivery,
		Status:        models.StatusPendingGroup,
		Version:       1,
		Items: []models.OrderItem{
			{ID: trackID + "-1", ProductID: "rice-5kg", Quantity: 1, UnitPrice: decimal.RequireFromString("4.50"), GroupID: &gid, Status: models.StatusPendingGroup},
		},
	}
}

func placedEvent(trackID string, version int) models.Event {
	return models.Event{
		EventID:       uuid.NewString(),
		AggregateID:   trackID,
		AggregateType: "order",
		EventType:     string(models.EventOrderPlaced),
		Data:          []byte(`{"track_id":"` + trackID + `"}`),
		Version:       version,
		Timestamp:     time.Now().UTC(),
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "orders",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := "postgres://test:test@" + host + ":" + port.Port() + "/orders?sslmode=disable"
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	require.NoError(t, models.SetupModels(db))
	return db
}
