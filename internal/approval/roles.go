package approval

import (
	"github.com/hitoshi/academico/internal/model"
)

// RoleInfo は画面表示用のロール情報。
type RoleInfo struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

var roleTable = map[AccessLevel]RoleInfo{
	LevelAdmin:       {Key: "admin", Label: "Administrador", Icon: "shield"},
	LevelCoordenador: {Key: "coordenador", Label: "Coordenador", Icon: "user-cog"},
	LevelInstrutor:   {Key: "instrutor", Label: "Instrutor", Icon: "graduation-cap"},
	LevelUser:        {Key: "user", Label: "Usuário", Icon: "user"},
	LevelPending:     {Key: "pending", Label: "Aguardando aprovação", Icon: "clock"},
	LevelRejected:    {Key: "rejected", Label: "Rejeitado", Icon: "ban"},
}

// RoleInfoFor はアクセスレベルに対応する表示情報を返す。
// 未認証など対応する表示がない場合はfalseを返す。
func RoleInfoFor(level AccessLevel) (RoleInfo, bool) {
	info, ok := roleTable[level]
	return info, ok
}

// RoleInfoForProfile はプロフィールのロール表示情報を返す。管理者フラグを優先する。
func RoleInfoForProfile(p *model.Profile) RoleInfo {
	info, _ := RoleInfoFor(Classify(true, p))
	return info
}
