package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carrymate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TokensPerRequest 发起一次寄件请求消耗的令牌数
const TokensPerRequest = 1

// ShipmentService 寄件请求服务：寄件人向行程发起请求，旅行者接受或拒绝
type ShipmentService struct {
	db     *gorm.DB
	logger *logrus.Logger
	wallet *WalletService
}

// NewShipmentService 创建寄件请求服务
func NewShipmentService(db *gorm.DB, logger *logrus.Logger, wallet *WalletService) *ShipmentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ShipmentService{db: db, logger: logger, wallet: wallet}
}

// ShipmentCreateRequest 发起寄件请求的入参
type ShipmentCreateRequest struct {
	TripID      uint    `json:"trip_id" binding:"required"`
	ItemName    string  `json:"item_name" binding:"required"`
	WeightKg    float64 `json:"weight_kg" binding:"required,gt=0"`
	Description string  `json:"description"`
	PhotoURL    string  `json:"photo_url"`
}

// Create 向行程发起寄件请求：扣除令牌与创建请求在同一事务
func (s *ShipmentService) Create(ctx context.Context, senderID uint, req *ShipmentCreateRequest) (*models.ShipmentRequest, error) {
	request := &models.ShipmentRequest{
		TripID:      req.TripID,
		SenderID:    senderID,
		ItemName:    req.ItemName,
		WeightKg:    req.WeightKg,
		Description: req.Description,
		PhotoURL:    req.PhotoURL,
		Status:      "pending",
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trip models.Trip
		if err := tx.First(&trip, "id = ?", req.TripID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load trip: %w", err)
		}
		if trip.Status != "open" {
			return errors.New("trip is not open for requests")
		}
		if trip.TravelerID == senderID {
			return errors.New("cannot request shipment on own trip")
		}
		if trip.CapacityKg-trip.ReservedKg < req.WeightKg {
			return fmt.Errorf("trip has only %.1fkg available", trip.CapacityKg-trip.ReservedKg)
		}

		if err := s.wallet.debitTx(tx, senderID, TokensPerRequest, "request_sent", ""); err != nil {
			return err
		}

		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Shipment request %d created for trip %d", request.ID, req.TripID)
	return request, nil
}

// Accept 旅行者接受请求：预留行程容量
func (s *ShipmentService) Accept(ctx context.Context, travelerID, requestID uint) (*models.ShipmentRequest, error) {
	var request models.ShipmentRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Trip").First(&request, "id = ?", requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load request: %w", err)
		}
		if request.Trip.TravelerID != travelerID {
			return errors.New("request belongs to another traveler's trip")
		}
		if request.Status != "pending" {
			return fmt.Errorf("request is %s, not pending", request.Status)
		}
		if request.Trip.CapacityKg-request.Trip.ReservedKg < request.WeightKg {
			return errors.New("trip no longer has capacity for this request")
		}

		now := time.Now()
		if err := tx.Model(&models.ShipmentRequest{}).
			Where("id = ?", requestID).
			Updates(map[string]interface{}{
				"status":      "accepted",
				"accepted_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := tx.Model(&models.Trip{}).
			Where("id = ?", request.TripID).
			Update("reserved_kg", gorm.Expr("reserved_kg + ?", request.WeightKg)).Error; err != nil {
			return fmt.Errorf("reserve capacity: %w", err)
		}

		request.Status = "accepted"
		request.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Shipment request %d accepted", requestID)
	return &request, nil
}

// Decline 旅行者拒绝请求：退还寄件人的令牌
func (s *ShipmentService) Decline(ctx context.Context, travelerID, requestID uint) (*models.ShipmentRequest, error) {
	var request models.ShipmentRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Trip").First(&request, "id = ?", requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load request: %w", err)
		}
		if request.Trip.TravelerID != travelerID {
			return errors.New("request belongs to another traveler's trip")
		}
		if request.Status != "pending" {
			return fmt.Errorf("request is %s, not pending", request.Status)
		}

		if err := tx.Model(&models.ShipmentRequest{}).
			Where("id = ?", requestID).
			Update("status", "declined").Error; err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := s.wallet.creditTx(tx, request.SenderID, TokensPerRequest, "refund", fmt.Sprintf("request:%d", requestID)); err != nil {
			return err
		}

		request.Status = "declined"
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Shipment request %d declined", requestID)
	return &request, nil
}

// MarkDelivered 寄件人确认送达
func (s *ShipmentService) MarkDelivered(ctx context.Context, senderID, requestID uint) (*models.ShipmentRequest, error) {
	var request models.ShipmentRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load request: %w", err)
	}
	if request.SenderID != senderID {
		return nil, errors.New("request belongs to another sender")
	}
	if request.Status != "accepted" {
		return nil, fmt.Errorf("request is %s, not accepted", request.Status)
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.ShipmentRequest{}).
		Where("id = ?", requestID).
		Updates(map[string]interface{}{
			"status":       "delivered",
			"delivered_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	request.Status = "delivered"
	request.DeliveredAt = &now
	return &request, nil
}

// ListForSender 寄件人发起的请求
func (s *ShipmentService) ListForSender(ctx context.Context, senderID uint) ([]models.ShipmentRequest, error) {
	var requests []models.ShipmentRequest
	if err := s.db.WithContext(ctx).
		Preload("Trip").
		Where("sender_id = ?", senderID).
		Order("created_at DESC").
		Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// ListForTrip 行程收到的请求；仅限行程所有者
func (s *ShipmentService) ListForTrip(ctx context.Context, travelerID, tripID uint) ([]models.ShipmentRequest, error) {
	var trip models.Trip
	if err := s.db.WithContext(ctx).First(&trip, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load trip: %w", err)
	}
	if trip.TravelerID != travelerID {
		return nil, errors.New("trip belongs to another traveler")
	}

	var requests []models.ShipmentRequest
	if err := s.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Order("created_at ASC").
		Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}
