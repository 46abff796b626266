package challenge

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// Normalize приводит ответ к каноничному виду: регистр, ширина символов, упрощённые иероглифы.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = width.Fold.String(s)
	s = cases.Fold().String(s)
	return toSimplified(s)
}

// Match сравнивает ответ пользователя с ожидаемым после нормализации.
func Match(got, want string) bool {
	g := Normalize(got)
	w := Normalize(want)
	return g != "" && w != "" && g == w
}

func toSimplified(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if simple, ok := traditional[r]; ok {
			r = simple
		}
		b.WriteRune(r)
	}
	return b.String()
}

func orderAnswers(answers []string, shuffle func(n int, swap func(i, j int))) []string {
	out := append([]string(nil), answers...)
	if allLabels(out) {
		sort.Strings(out)
		return out
	}
	shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func allLabels(list []string) bool {
	for _, a := range list {
		if len(a) != 1 || a[0] < 'A' || a[0] > 'F' {
			return false
		}
	}
	return true
}

func sortStrings(list []string) {
	sort.Strings(list)
}

// traditional сопоставляет традиционные иероглифы упрощённым для словарей проверок.
var traditional = map[rune]rune{
	'萬': '万', '與': '与', '東': '东', '兩': '两', '為': '为', '麗': '丽', '舉': '举', '義': '义',
	'樂': '乐', '書': '书', '買': '买', '亂': '乱', '雲': '云', '亞': '亚', '來': '来', '從': '从',
	'會': '会', '傳': '传', '體': '体', '個': '个', '們': '们', '備': '备', '優': '优', '價': '价',
	'兒': '儿', '內': '内', '冊': '册', '動': '动', '勝': '胜', '區': '区', '華': '华',
	'單': '单', '參': '参', '發': '发', '變': '变', '後': '后', '嗎': '吗', '國': '国', '圖': '图',
	'場': '场', '壞': '坏', '聲': '声', '處': '处', '夢': '梦', '頭': '头', '奪': '夺', '學': '学',
	'寶': '宝', '實': '实', '對': '对', '專': '专', '將': '将', '盡': '尽', '屬': '属', '歲': '岁',
	'島': '岛', '師': '师', '帶': '带', '幫': '帮', '幾': '几', '廣': '广', '張': '张', '彈': '弹',
	'憶': '忆', '戰': '战', '戲': '戏', '擊': '击', '擔': '担', '數': '数', '斷': '断',
	'時': '时', '晝': '昼', '條': '条', '極': '极', '機': '机', '歡': '欢', '歸': '归', '氣': '气',
	'漢': '汉', '滿': '满', '無': '无', '燈': '灯', '爭': '争', '爾': '尔', '獨': '独', '現': '现',
	'畫': '画', '當': '当', '盤': '盘', '眾': '众', '碼': '码', '礦': '矿', '種': '种',
	'節': '节', '糧': '粮', '紅': '红', '紙': '纸', '結': '结', '給': '给', '經': '经', '綠': '绿',
	'線': '线', '練': '练', '總': '总', '聽': '听', '腦': '脑', '臉': '脸', '興': '兴', '舊': '旧',
	'藥': '药', '蘋': '苹', '蝦': '虾', '見': '见', '親': '亲', '覺': '觉', '說': '说', '讀': '读',
	'豐': '丰', '貓': '猫', '貝': '贝', '貴': '贵', '賣': '卖', '車': '车', '軍': '军',
	'輕': '轻', '農': '农', '邊': '边', '這': '这', '進': '进', '過': '过', '還': '还', '醫': '医',
	'鐘': '钟', '長': '长', '門': '门', '開': '开', '間': '间', '關': '关', '陽': '阳', '難': '难',
	'雞': '鸡', '電': '电', '韓': '韩', '風': '风', '飛': '飞', '飯': '饭', '餅': '饼', '餃': '饺',
	'饅': '馒', '馬': '马', '魚': '鱼', '鳥': '鸟', '鴨': '鸭', '麵': '面', '點': '点', '齊': '齐',
	'龍': '龙', '龜': '龟', '湯': '汤', '蘿': '萝', '蔔': '卜', '葉': '叶', '筍': '笋',
	'燒': '烧', '滷': '卤', '鍋': '锅', '腸': '肠', '臘': '腊', '粵': '粤', '鮮': '鲜', '雙': '双',
	'顏': '颜', '驚': '惊', '鬥': '斗', '劍': '剑', '愛': '爱', '憂': '忧', '聞': '闻', '顧': '顾',
}
