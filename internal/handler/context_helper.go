package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/customgroups-api/internal/middleware"
	"github.com/noah-isme/customgroups-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actingUser projects JWT claims onto a user value for service calls. The
// claims carry everything the membership rules read: ID, role and country.
func actingUser(c *gin.Context) *models.User {
	claims := claimsFromContext(c)
	if claims == nil {
		return nil
	}
	return &models.User{
		ID:       claims.UserID,
		Email:    claims.Email,
		FullName: claims.FullName,
		Country:  claims.Country,
		Role:     claims.Role,
	}
}
