// Package docs はローカルAPIのSwagger定義。
// 生成ツールを通さず手で保守している。エンドポイントを増やしたらここも更新すること。
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/auth/session": {
            "post": {
                "summary": "キオスク資格情報でローカルAPIトークンを発行",
                "tags": ["auth"],
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "token"},
                    "401": {"description": "認証失敗"}
                }
            }
        },
        "/attendance/check-in": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "チェックイン（位置検証とジオフェンス判定つき）",
                "tags": ["attendance"],
                "responses": {
                    "201": {"description": "セッション作成"},
                    "408": {"description": "位置検証タイムアウト"},
                    "409": {"description": "送信中 / チェックイン済み / 圏外 (OUTSIDE_BRANCH)"}
                }
            }
        },
        "/attendance/check-out": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "手動チェックアウト（PIN必須、圏外確定中は拒否）",
                "tags": ["attendance"],
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CheckOutRequest"}}
                ],
                "responses": {
                    "204": {"description": "完了"},
                    "401": {"description": "PIN不一致"},
                    "409": {"description": "圏外確定中 (OUTSIDE_BRANCH)"}
                }
            }
        },
        "/attendance/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "summary": "UI表示用の現在状態（位置・セッション・自動退勤カウントダウン）",
                "tags": ["attendance"],
                "responses": {"200": {"description": "StatusResponse"}}
            }
        },
        "/attendance/history": {
            "get": {
                "security": [{"BearerAuth": []}],
                "summary": "ローカルミラーの打刻履歴",
                "tags": ["attendance"],
                "parameters": [
                    {"name": "from", "in": "query", "type": "string"},
                    {"name": "to", "in": "query", "type": "string"},
                    {"name": "reason", "in": "query", "type": "string"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "items / total"}}
            }
        },
        "/attendance/history/export": {
            "get": {
                "security": [{"BearerAuth": []}],
                "summary": "履歴のCSVエクスポート (Shift-JIS)",
                "tags": ["attendance"],
                "produces": ["text/csv"],
                "responses": {"200": {"description": "CSV"}}
            }
        },
        "/attendance/stats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "summary": "自動チェックアウトの理由別集計",
                "tags": ["attendance"],
                "parameters": [
                    {"name": "from", "in": "query", "type": "string", "required": true},
                    {"name": "to", "in": "query", "type": "string", "required": true}
                ],
                "responses": {"200": {"description": "StatsRow[]"}}
            }
        },
        "/location/fix": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "UIからの測位結果を取り込む",
                "tags": ["location"],
                "responses": {"204": {"description": "受理"}}
            }
        },
        "/location/error": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "UIからの測位エラーを取り込む",
                "tags": ["location"],
                "responses": {"204": {"description": "受理"}}
            }
        },
        "/location/watch": {
            "get": {
                "security": [{"BearerAuth": []}],
                "summary": "UIが同期すべき測位オプション（高精度か）",
                "tags": ["location"],
                "responses": {"200": {"description": "watch_active / high_accuracy"}}
            }
        },
        "/lifecycle/visibility": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "visible/hidden の報告",
                "tags": ["lifecycle"],
                "responses": {"204": {"description": "受理"}}
            }
        },
        "/lifecycle/permission": {
            "post": {
                "security": [{"BearerAuth": []}],
                "summary": "位置情報権限の変化の報告",
                "tags": ["lifecycle"],
                "responses": {"204": {"description": "受理"}}
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": ["kiosk_id", "secret"],
            "properties": {
                "kiosk_id": {"type": "string"},
                "secret": {"type": "string"}
            }
        },
        "CheckOutRequest": {
            "type": "object",
            "required": ["pin"],
            "properties": {
                "pin": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8443",
	BasePath:         "/api/v1",
	Schemes:          []string{"https"},
	Title:            "KINTAI Agent Local API",
	Description:      "キオスクUI向けの勤怠エージェントAPI",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
