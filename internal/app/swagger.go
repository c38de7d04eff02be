package app

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/swag"
)

// SwaggerInfo 与 main.go 中的 @title/@version/@BasePath 注解保持一致；
// 执行 swag init 生成的完整文档可替换 swaggerTemplate
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/api",
	Schemes:          []string{},
	Title:            "Journey 后端 API",
	Description:      "AI 导师学习旅程服务：步骤推进、评分、报告与证书。",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  swaggerTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

func registerSwagger(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))
}

const swaggerTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/health": {
            "get": {
                "tags": ["系统"],
                "summary": "健康检查",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/journeys/{id}/start": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "开始学习旅程",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true, "description": "旅程ID"},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/StartRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"},
                    "402": {"description": "token 不足"},
                    "409": {"description": "已有进行中的尝试"}
                }
            }
        },
        "/attempts/{id}": {
            "get": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "获取尝试详情",
                "parameters": [ {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"} ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/attempts/{id}/messages": {
            "get": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "对话记录",
                "parameters": [ {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"} ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/attempts/{id}/submit": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "提交回答",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"},
                    {"name": "Idempotency-Key", "in": "header", "type": "string", "description": "重复提交检测"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "重复提交或版本冲突"}
                }
            }
        },
        "/attempts/{id}/feedback": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "提交旅程反馈",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/FeedbackRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "评分无效或旅程未结束"},
                    "409": {"description": "已提交"}
                }
            }
        },
        "/attempts/{id}/report": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "生成旅程报告",
                "parameters": [ {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"} ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/attempts/{id}/abandon": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "放弃旅程",
                "parameters": [ {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"} ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/ws/attempts/{id}": {
            "get": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["学习旅程"],
                "summary": "尝试进度 WebSocket",
                "parameters": [ {"name": "id", "in": "path", "type": "integer", "required": true, "description": "尝试ID"} ],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/tokens/balance": {
            "get": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["Token"],
                "summary": "token 余额",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/admin/tokens/grant": {
            "post": {
                "security": [ {"ApiKeyAuth": []} ],
                "tags": ["Token"],
                "summary": "发放 token",
                "parameters": [ {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GrantRequest"}} ],
                "responses": {"201": {"description": "Created"}, "403": {"description": "Forbidden"}}
            }
        }
    },
    "definitions": {
        "StartRequest": {
            "type": "object",
            "properties": {
                "preview": {"type": "boolean"},
                "mode": {"type": "string", "example": "chat"}
            }
        },
        "SubmitRequest": {
            "type": "object",
            "required": ["userInput"],
            "properties": {
                "userInput": {"type": "string"},
                "version": {"type": "integer"}
            }
        },
        "FeedbackRequest": {
            "type": "object",
            "required": ["rating"],
            "properties": {
                "rating": {"type": "integer", "minimum": 1, "maximum": 5},
                "feedback": {"type": "string"}
            }
        },
        "GrantRequest": {
            "type": "object",
            "required": ["userId", "amount"],
            "properties": {
                "userId": {"type": "integer"},
                "amount": {"type": "integer"},
                "source": {"type": "string", "example": "manual"},
                "expiresAt": {"type": "string", "format": "date-time"},
                "notes": {"type": "string"}
            }
        }
    }
}`
