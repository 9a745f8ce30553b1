package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Reimbursement Approval API",
        "description": "Multi-level reimbursement submission and approval routing",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Auth", "description": "Authentication and session management"},
        {"name": "Reimbursements", "description": "Submission, listing and receipts"},
        {"name": "Approvals", "description": "Level-by-level approve and reject"},
        {"name": "Dashboard", "description": "Routing state aggregates"},
        {"name": "Statements", "description": "CSV and PDF statement exports"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Login with email and password",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reimbursements": {
            "get": {
                "tags": ["Reimbursements"],
                "summary": "List reimbursements visible to the caller",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "userId", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Submit a reimbursement request",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateReimbursementRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error"}
                }
            }
        },
        "/reimbursements/pending-all-approvals": {
            "get": {
                "tags": ["Reimbursements"],
                "summary": "Pending queue for the caller's approver role",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Caller is not an approver"}
                }
            }
        },
        "/reimbursements/{id}": {
            "get": {
                "tags": ["Reimbursements"],
                "summary": "Reimbursement detail with approval trail",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/reimbursements/{id}/trail": {
            "get": {
                "tags": ["Reimbursements"],
                "summary": "Ordered approval trail",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reimbursements/{id}/receipt": {
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Attach a receipt file to a pending reimbursement",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "file", "in": "formData", "required": true, "type": "file"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Reimbursement already decided"}
                }
            }
        },
        "/approvals/{id}/approve": {
            "post": {
                "tags": ["Approvals"],
                "summary": "Approve the pending level",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not this role's turn"},
                    "409": {"description": "Already decided or concurrent decision"}
                }
            }
        },
        "/approvals/{id}/reject": {
            "post": {
                "tags": ["Approvals"],
                "summary": "Reject the pending level (remarks required)",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Remarks missing"}
                }
            }
        },
        "/dashboard": {
            "get": {
                "tags": ["Dashboard"],
                "summary": "Per-status and per-role routing aggregates",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements/export": {
            "get": {
                "tags": ["Statements"],
                "summary": "Generate a statement export",
                "parameters": [
                    {"name": "format", "in": "query", "required": true, "type": "string", "enum": ["csv", "pdf"]},
                    {"name": "userId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements/download/{token}": {
            "get": {
                "tags": ["Statements"],
                "summary": "Download a generated statement",
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File stream"},
                    "403": {"description": "Invalid or expired token"}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "CreateReimbursementRequest": {
            "type": "object",
            "properties": {
                "category": {"type": "string", "enum": ["EXPENSE", "OVERTIME", "TRAVEL", "MEDICAL"]},
                "type": {"type": "string"},
                "description": {"type": "string"},
                "items": {"type": "string"},
                "total": {"type": "string", "example": "125.50"},
                "merchant": {"type": "string"},
                "date_of_expense": {"type": "string", "example": "2026-03-10"},
                "sap_code": {"type": "string"}
            },
            "required": ["category", "description", "total", "date_of_expense"]
        },
        "DecisionRequest": {
            "type": "object",
            "properties": {
                "remarks": {"type": "string"}
            }
        },
        "TrailEntry": {
            "type": "object",
            "properties": {
                "approval_level": {"type": "integer"},
                "approver_role": {"type": "string"},
                "approver_id": {"type": "string"},
                "status": {"type": "string"},
                "remarks": {"type": "string"},
                "decided_at": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
