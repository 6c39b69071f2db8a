package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/studyhub/peercall/internal/middleware"
	"github.com/studyhub/peercall/internal/models"
	"github.com/studyhub/peercall/internal/storage"
)

// passwordCost is lowered by tests.
var passwordCost = bcrypt.DefaultCost

// Register creates an account and returns a token for it
func Register(users UserStore, jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), passwordCost)
		if err != nil {
			log.Errorf("hash password: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
			return
		}

		name := req.DisplayName
		if name == "" {
			name = req.Username
		}
		user := &models.User{
			ID:           uuid.New().String(),
			Username:     req.Username,
			DisplayName:  name,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := users.CreateUser(user); err != nil {
			if errors.Is(err, storage.ErrUsernameTaken) {
				c.JSON(http.StatusConflict, gin.H{"error": "Username already taken"})
				return
			}
			log.Errorf("create user %s: %v", req.Username, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, user.ID, user.DisplayName, ttl)
		if err != nil {
			log.Errorf("issue token: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		log.Infof("user registered: %s (%s)", user.Username, user.ID)
		c.JSON(http.StatusCreated, models.LoginResponse{
			Token:  token,
			UserID: user.ID,
			Name:   user.DisplayName,
		})
	}
}

// Login checks credentials and issues a JWT
func Login(users UserStore, jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		user, err := users.GetUserByUsername(req.Username)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Errorf("look up user %s: %v", req.Username, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
			return
		}
		if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, user.ID, user.DisplayName, ttl)
		if err != nil {
			log.Errorf("issue token: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  token,
			UserID: user.ID,
			Name:   user.DisplayName,
		})
	}
}
